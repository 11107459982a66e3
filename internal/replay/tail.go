package replay

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
)

// maxLineSize bounds a single JSONL envelope.
const maxLineSize = 4 * 1024 * 1024

// Tailer follows a JSONL event log and emits each complete line as it is
// appended. A truncated or recreated file is read again from the start.
type Tailer struct {
	path    string
	target  event.Emitter
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	offset  int64
	pending []byte
	emitted atomic.Int64
	dropped atomic.Int64

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// TailOption configures a Tailer.
type TailOption func(*Tailer)

// WithTailLogger sets the tailer logger.
func WithTailLogger(l zerolog.Logger) TailOption {
	return func(t *Tailer) { t.log = l }
}

// NewTailer creates a tailer for path. The file does not need to exist
// yet, but its directory does.
func NewTailer(path string, target event.Emitter, opts ...TailOption) (*Tailer, error) {
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; watching the file itself misses recreation.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	t := &Tailer{
		path:    path,
		target:  target,
		log:     logging.Component("tail"),
		watcher: w,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("path", path).Logger()
	return t, nil
}

// Start reads what the file already holds and then follows it.
func (t *Tailer) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	go t.run()
}

func (t *Tailer) run() {
	defer close(t.doneCh)

	t.readNew()
	for {
		select {
		case <-t.stopCh:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				t.log.Debug().Msg("log removed, waiting for it to reappear")
				t.rewind()
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				t.readNew()
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Error().Err(err).Msg("tail watcher error")
		}
	}
}

func (t *Tailer) rewind() {
	t.offset = 0
	t.pending = nil
}

// readNew reads from the last offset to the end of the file and emits
// every complete line. A trailing partial line is kept until its newline
// arrives.
func (t *Tailer) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.log.Warn().Err(err).Msg("failed to open log")
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to stat log")
		return
	}
	if info.Size() < t.offset {
		t.log.Info().Int64("size", info.Size()).Int64("offset", t.offset).Msg("log truncated, reading from start")
		t.rewind()
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		t.log.Warn().Err(err).Msg("failed to seek log")
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, info.Size()-t.offset))
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to read log")
		return
	}
	t.offset += int64(len(data))

	buf := append(t.pending, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		t.emitLine(buf[:i])
		buf = buf[i+1:]
	}
	if len(buf) > maxLineSize {
		t.log.Warn().Int("size", len(buf)).Msg("discarding oversized line")
		t.dropped.Add(1)
		buf = nil
	}
	t.pending = append([]byte(nil), buf...)
}

func (t *Tailer) emitLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return
	}

	env, err := parseLine(line)
	if err == nil {
		var ev event.Event
		if ev, err = event.DecodeEnvelope(env); err == nil {
			t.target.Emit(ev)
			t.emitted.Add(1)
			return
		}
	}
	t.dropped.Add(1)
	t.log.Warn().Err(err).Msg("skipping undecodable line")
}

// Emitted returns how many events were emitted so far.
func (t *Tailer) Emitted() int64 {
	return t.emitted.Load()
}

// Dropped returns how many lines could not be decoded.
func (t *Tailer) Dropped() int64 {
	return t.dropped.Load()
}

// Stop stops following and waits for the reader to finish.
func (t *Tailer) Stop() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()

	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}

	if started {
		<-t.doneCh
	}
	return t.watcher.Close()
}
