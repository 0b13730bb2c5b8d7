package drafts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	kind string
	conv string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []call
}

func (s *recordingSink) OnLocalInputChanged(conv string) {
	s.mu.Lock()
	s.calls = append(s.calls, call{"input", conv})
	s.mu.Unlock()
}

func (s *recordingSink) MessageSent(conv string) {
	s.mu.Lock()
	s.calls = append(s.calls, call{"sent", conv})
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- parseDraft ---

func TestParseDraft(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		content  string
		wantConv string
		wantBody string
	}{
		{"frontmatter wins", "/d/ignored.md", "---\nconversation: c7\n---\nhello\n", "c7", "hello"},
		{"stem fallback", "/d/c3.md", "just text", "c3", "just text"},
		{"empty frontmatter", "/d/c4.md", "---\n---\nbody", "c4", "body"},
		{"blank conversation", "/d/c5.md", "---\nconversation: \"  \"\n---\nx", "c5", "x"},
		{"windows line endings", "/d/w.md", "---\r\nconversation: c9\r\n---\r\nhi", "c9", "hi"},
		{"unclosed block is body", "/d/c6.md", "---\nconversation: c1\nno end", "c6", "---\nconversation: c1\nno end"},
		{"invalid yaml keeps body", "/d/c8.md", "---\n[bad\n---\ntext", "c8", "text"},
		{"frontmatter only", "/d/c2.md", "---\nconversation: c2\n---", "c2", ""},
		{"empty file", "/d/c1.md", "", "c1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := parseDraft(tt.path, []byte(tt.content))
			assert.Equal(t, tt.wantConv, d.ConversationID)
			assert.Equal(t, tt.wantBody, d.Body)
		})
	}
}

func TestShouldIgnore(t *testing.T) {
	assert.False(t, shouldIgnore("/d/c1.md"))
	assert.False(t, shouldIgnore("/d/C1.MD"))
	assert.True(t, shouldIgnore("/d/.c1.md"))
	assert.True(t, shouldIgnore("/d/c1.md~"))
	assert.True(t, shouldIgnore("/d/c1.md.swp"))
	assert.True(t, shouldIgnore("/d/c1.txt"))
}

// --- handleEvent ---

func newTestWatcher(t *testing.T) (*Watcher, *recordingSink, string) {
	t.Helper()
	sink := &recordingSink{}
	dir := t.TempDir()
	return NewWatcher(dir, sink, discard), sink, dir
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestHandleEvent_WriteThenRemove(t *testing.T) {
	w, sink, dir := newTestWatcher(t)
	path := filepath.Join(dir, "c1.md")

	write(t, path, "hel")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
	write(t, path, "hello")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	require.NoError(t, os.Remove(path))
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})

	assert.Equal(t, []call{{"input", "c1"}, {"input", "c1"}, {"sent", "c1"}}, sink.snapshot())
}

func TestHandleEvent_EmptiedDraftEndsTyping(t *testing.T) {
	w, sink, dir := newTestWatcher(t)
	path := filepath.Join(dir, "c1.md")

	write(t, path, "draft")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	write(t, path, "  \n")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	// A second empty write is not another send.
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Equal(t, []call{{"input", "c1"}, {"sent", "c1"}}, sink.snapshot())
}

func TestHandleEvent_RetargetEndsOldConversation(t *testing.T) {
	w, sink, dir := newTestWatcher(t)
	path := filepath.Join(dir, "draft.md")

	write(t, path, "---\nconversation: c1\n---\nhi")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	write(t, path, "---\nconversation: c2\n---\nhi")
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Equal(t, []call{{"input", "c1"}, {"sent", "c1"}, {"input", "c2"}}, sink.snapshot())
}

func TestHandleEvent_RemoveUnknownIsSilent(t *testing.T) {
	w, sink, dir := newTestWatcher(t)
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "c1.md"), Op: fsnotify.Remove})
	assert.Empty(t, sink.snapshot())
}

func TestHandleEvent_IgnoredAndUnreadable(t *testing.T) {
	w, sink, dir := newTestWatcher(t)

	write(t, filepath.Join(dir, "notes.txt"), "x")
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write})
	// Vanished before it could be read.
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "gone.md"), Op: fsnotify.Write})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.md"), 0o700))
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "sub.md"), Op: fsnotify.Create})

	assert.Empty(t, sink.snapshot())
}

// --- Watch ---

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

func TestWatch_EndToEnd(t *testing.T) {
	sink := &recordingSink{}
	dir := filepath.Join(t.TempDir(), "drafts")
	w := NewWatcher(dir, sink, discard)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- w.Watch(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	})
	// Give fsnotify a moment to set up the watch.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "c1.md")
	write(t, path, "typing")

	waitFor(t, 2*time.Second, func() bool {
		return slices.Contains(sink.snapshot(), call{"input", "c1"})
	})

	require.NoError(t, os.Remove(path))

	waitFor(t, 2*time.Second, func() bool {
		return slices.Contains(sink.snapshot(), call{"sent", "c1"})
	})

	cancel()

	err := <-errCh
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
