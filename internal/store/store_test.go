package store

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/event"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *Store {
	t.Helper()

	s := New(reconcile.DefaultPolicy("u1"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return testNow }

	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()

	s.ReplaceConversations([]models.Conversation{
		{ID: "C1", Kind: models.KindDirect, Members: []models.Member{{UserID: "u1"}, {UserID: "u2"}}},
		{ID: "C2", Kind: models.KindGroup},
	})
	require.NoError(t, s.Select("C1"))
	require.NoError(t, s.ApplyLatestPage("C1", nil, reconcile.PageOpts{Fresh: true}))
}

func created(convID, id string) event.Event {
	return event.Event{
		Kind:           event.KindMessageCreated,
		ConversationID: convID,
		MessageCreated: &event.MessageCreated{Message: models.Message{ID: id, SenderID: "u2", Body: id}},
	}
}

func TestSubscribe_ReceivesCurrentSnapshot(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	ch, cancel := s.Subscribe()
	defer cancel()

	snap := <-ch
	assert.Equal(t, "C1", snap.ActiveConversationID)
	assert.Len(t, snap.Conversations, 2)
}

func TestSubscribe_LatestWins(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	ch, cancel := s.Subscribe()
	defer cancel()

	for _, id := range []string{"m1", "m2", "m3"} {
		s.Apply(created("C1", id))
	}

	snap := <-ch
	assert.Len(t, snap.Messages, 3)
	assert.Equal(t, s.Snapshot().Version, snap.Version)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot version %d", extra.Version)
	default:
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s := testStore(t)

	ch, cancel := s.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	s.Apply(created("C1", "m1"))
}

func TestApply_UnchangedDoesNotPublish(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	s.Apply(created("C1", "m1"))
	v := s.Snapshot().Version

	out := s.Apply(created("C1", "m1"))
	assert.False(t, out.Changed)
	assert.Equal(t, v, s.Snapshot().Version)
}

func TestSnapshot_VersionMonotonic(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	var last uint64

	for i := range 10 {
		s.Apply(created("C1", string(rune('a'+i))))

		v := s.Snapshot().Version
		assert.Greater(t, v, last)
		last = v
	}
}

func TestSetError_ClearedByNextFetch(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	s.SetError("open", errors.New("boom"))

	snap := s.Snapshot()
	require.NotNil(t, snap.Error)
	assert.Equal(t, "open", snap.Error.Op)
	assert.Equal(t, "boom", snap.Error.Message)
	assert.Equal(t, testNow, snap.Error.At)

	require.NoError(t, s.ApplyLatestPage("C1", []models.Message{{ID: "m1"}}, reconcile.PageOpts{}))
	assert.Nil(t, s.Snapshot().Error)
}

func TestReset_ClearsEverything(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	s.Apply(created("C1", "m1"))

	s.Reset(true)

	snap := s.Snapshot()
	assert.Empty(t, snap.Conversations)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.ActiveConversationID)
	assert.True(t, snap.SessionExpired)
	assert.Equal(t, models.ConnStopped, snap.Connection.State)
}

func TestSetConnection(t *testing.T) {
	s := testStore(t)

	s.SetConnection(models.ConnectionStatus{State: models.ConnBackoff, Attempt: 2, LastDelay: 2 * time.Second})

	c := s.Snapshot().Connection
	assert.Equal(t, models.ConnBackoff, c.State)
	assert.Equal(t, 2, c.Attempt)
	assert.Equal(t, testNow, c.Since)
}

func TestSweep(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	s.Apply(event.Event{
		Kind:           event.KindTyping,
		ConversationID: "C1",
		Typing:         &event.Typing{UserID: "u2", Active: true},
	})
	require.Len(t, s.Snapshot().Typing["C1"], 1)

	assert.False(t, s.Sweep(testNow.Add(time.Second)))
	assert.True(t, s.Sweep(testNow.Add(10*time.Second)))
	assert.Empty(t, s.Snapshot().Typing)
}

func TestSnapshot_ConsistentUnderConcurrentWriters(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	ch, cancel := s.Subscribe()
	defer cancel()

	var wg sync.WaitGroup

	for w := range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 50 {
				s.Apply(created("C1", string(rune('A'+w))+string(rune('a'+i%26))+string(rune('0'+i/26))))
			}
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	var last uint64

	for {
		select {
		case snap := <-ch:
			assert.GreaterOrEqual(t, snap.Version, last)
			last = snap.Version

			seen := make(map[string]bool, len(snap.Messages))
			for _, m := range snap.Messages {
				assert.False(t, seen[m.ID], "duplicate %s", m.ID)
				seen[m.ID] = true
			}
		case <-done:
			assert.Len(t, s.Snapshot().Messages, 200)
			return
		}
	}
}
