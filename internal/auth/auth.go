// Package auth protects the operator HTTP surface. Requests authenticate
// either with a pre-shared API key (Bearer cs_<hex>) or with HTTP Basic
// credentials checked against bcrypt hashes. All state is in-memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes API keys from other bearer tokens.
	APIKeyPrefix = "cs_"

	// APIKeyMinLen is the prefix plus 32 hex characters (128 bits).
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

// APIKey binds a key to the user it authenticates as.
type APIKey struct {
	UserID string
	Key    string
}

type keyEntry struct {
	userID string
	hash   [sha256.Size]byte
}

// Authenticator validates API keys and Basic credentials.
type Authenticator struct {
	keys    []keyEntry
	users   UserCredentials
	limiter *loginRateLimiter
}

// NewAuthenticator hashes the configured keys once so comparisons are
// constant-time over fixed-length digests.
func NewAuthenticator(keys []APIKey, users UserCredentials) *Authenticator {
	a := &Authenticator{
		users:   users,
		limiter: newLoginRateLimiter(),
	}

	for _, k := range keys {
		a.keys = append(a.keys, keyEntry{userID: k.UserID, hash: sha256.Sum256([]byte(k.Key))})
	}

	return a
}

// ValidateAPIKey returns the user bound to key, or "" if no key matches.
// Every entry is compared so timing does not reveal which one matched.
func (a *Authenticator) ValidateAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))

	var userID string

	for _, e := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], e.hash[:]) == 1 {
			userID = e.userID
		}
	}

	return userID
}

// ValidatePassword reports whether password matches the stored hash for
// username. Unknown users still pay for a bcrypt comparison.
func (a *Authenticator) ValidatePassword(username, password string) bool {
	hash, ok := a.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is a bcrypt hash of a random value, used to equalize timing
// for unknown usernames.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(RandomHex(16)), bcrypt.MinCost)
	if err != nil {
		panic("bcrypt failed: " + err.Error())
	}

	return h
}()

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// GenerateAPIKey returns a new key in the cs_<hex> format.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(16)
}
