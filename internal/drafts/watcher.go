// Package drafts turns edits to draft files into local typing input.
// Each markdown file in the drafts directory is a message being composed
// for one conversation. Writing to it counts as a keystroke; emptying or
// removing it means the message was sent or abandoned.
package drafts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxDraftBytes caps how much of a draft file is read to resolve its
// conversation.
const maxDraftBytes = 64 << 10

// Sink receives local input signals. The sync facade implements it.
type Sink interface {
	OnLocalInputChanged(conversationID string)
	MessageSent(conversationID string)
}

// Watcher monitors one directory of drafts.
type Watcher struct {
	dir    string
	sink   Sink
	logger *slog.Logger

	mu sync.Mutex
	// active maps draft path to the conversation it is currently typing in.
	active map[string]string
}

// NewWatcher creates a watcher for dir. The directory is created if missing.
func NewWatcher(dir string, sink Sink, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		sink:   sink,
		logger: logger.With(slog.String("component", "drafts")),
		active: make(map[string]string),
	}
}

// Watch blocks until ctx is cancelled. Drafts that already exist when
// it starts do not count as input until they are written again.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating drafts dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching drafts dir: %w", err)
	}

	w.logger.Info("watching drafts", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// Non-fatal (e.g. event queue overflow).
			w.logger.Warn("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if shouldIgnore(event.Name) {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.finish(event.Name)
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		w.changed(event.Name)
	}
}

// changed re-reads a draft and reports input for its conversation.
func (w *Watcher) changed(path string) {
	content, err := readDraft(path)
	if err != nil {
		w.logger.Debug("reading draft", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	d := parseDraft(path, content)

	w.mu.Lock()
	prev, wasActive := w.active[path]

	if d.Body == "" {
		delete(w.active, path)
	} else {
		w.active[path] = d.ConversationID
	}
	w.mu.Unlock()

	// Retargeting a draft ends the burst in the old conversation.
	if wasActive && prev != d.ConversationID {
		w.sink.MessageSent(prev)
	}

	if d.Body == "" {
		if wasActive && prev == d.ConversationID {
			w.sink.MessageSent(prev)
		}

		return
	}

	w.logger.Debug("draft changed",
		slog.String("conversation", d.ConversationID),
		slog.Int("bytes", len(d.Body)),
	)
	w.sink.OnLocalInputChanged(d.ConversationID)
}

// finish ends typing for a removed or renamed draft.
func (w *Watcher) finish(path string) {
	w.mu.Lock()
	conv, ok := w.active[path]
	delete(w.active, path)
	w.mu.Unlock()

	if ok {
		w.logger.Debug("draft closed", slog.String("conversation", conv))
		w.sink.MessageSent(conv)
	}
}

func readDraft(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}

	return io.ReadAll(io.LimitReader(f, maxDraftBytes))
}

// shouldIgnore returns true for files that are not drafts.
func shouldIgnore(path string) bool {
	name := filepath.Base(path)

	if strings.HasPrefix(name, ".") {
		return true
	}

	// Temp files from editors.
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return true
	}

	return !strings.EqualFold(filepath.Ext(name), ".md")
}
