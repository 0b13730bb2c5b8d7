package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxMethod
	ctxRemoteIP
)

// Authentication methods recorded in the request context.
const (
	MethodAPIKey = "api_key"
	MethodBasic  = "basic"
)

const wwwAuthenticate = `Bearer realm="chat-sync", Basic realm="chat-sync"`

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestMethod returns how the request authenticated, or "".
func RequestMethod(ctx context.Context) string {
	v, _ := ctx.Value(ctxMethod).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that requires an API key or Basic
// credentials. IPs with too many recent failures get 429 without their
// credentials being checked.
func Middleware(a *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if a.limiter.limited(ip) {
				logger.Warn("middleware: rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed attempts", http.StatusTooManyRequests)

				return
			}

			userID, method := a.authenticate(r)
			if userID == "" {
				if r.Header.Get("Authorization") != "" {
					a.limiter.record(ip)
				}

				logger.Debug("middleware: unauthenticated",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("method", method),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxMethod, method)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (userID, method string) {
	header := r.Header.Get("Authorization")

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if !strings.HasPrefix(token, APIKeyPrefix) {
			return "", ""
		}

		return a.ValidateAPIKey(token), MethodAPIKey
	}

	if username, password, ok := r.BasicAuth(); ok {
		if a.ValidatePassword(username, password) {
			return username, MethodBasic
		}
	}

	return "", ""
}
