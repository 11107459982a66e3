package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/pkg/types"
)

const (
	// DefaultMaxRetries bounds retries of a failing fetch.
	DefaultMaxRetries = 3
	// RetryInitialInterval is the first backoff interval.
	RetryInitialInterval = 200 * time.Millisecond
	// RetryMaxInterval caps a single backoff interval.
	RetryMaxInterval = 5 * time.Second
)

// Loader fetches session history and delivers it as
// session.messages.loaded events. Requests run on their own goroutine so
// they can be issued from inside an event handler.
type Loader struct {
	fetcher Fetcher
	cache   *Cache
	target  event.Emitter
	log     zerolog.Logger

	maxRetries      uint64
	timeout         time.Duration
	initialInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithCache serves and stores histories through c.
func WithCache(c *Cache) LoaderOption {
	return func(l *Loader) { l.cache = c }
}

// WithLogger sets the loader logger.
func WithLogger(log zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// WithMaxRetries bounds retries of a failing fetch.
func WithMaxRetries(n uint64) LoaderOption {
	return func(l *Loader) { l.maxRetries = n }
}

// WithTimeout bounds each fetch attempt.
func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) LoaderOption {
	return func(l *Loader) { l.initialInterval = d }
}

// NewLoader creates a loader that emits results into target.
func NewLoader(f Fetcher, target event.Emitter, opts ...LoaderOption) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		fetcher:         f,
		target:          target,
		log:             logging.Component("history"),
		maxRetries:      DefaultMaxRetries,
		timeout:         defaultTimeout,
		initialInterval: RetryInitialInterval,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the loader's cache, or nil.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Request loads sessionID in the background and emits the result. A
// failed load is emitted with Err set so the receiver can settle.
func (l *Loader) Request(sessionID string) {
	if l.ctx.Err() != nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		items, err := l.Load(l.ctx, sessionID)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			l.log.Warn().Err(err).Str("session", sessionID).Msg("history load failed")
		}
		l.target.Emit(event.Event{
			Type: event.MessagesLoaded,
			Data: event.MessagesLoadedData{SessionID: sessionID, Messages: items, Err: err},
		})
	}()
}

// Load returns the history of sessionID, from the cache when present,
// otherwise by fetching with exponential backoff.
func (l *Loader) Load(ctx context.Context, sessionID string) (types.Items, error) {
	if l.cache != nil {
		if items, ok := l.cache.Get(sessionID); ok {
			l.log.Debug().Str("session", sessionID).Int("items", len(items)).Msg("history cache hit")
			return items, nil
		}
	}

	var items types.Items
	attempt := 0
	op := func() error {
		attempt++
		fetchCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		var err error
		items, err = l.fetcher.Fetch(fetchCtx, sessionID)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		l.log.Debug().Err(err).Str("session", sessionID).Int("attempt", attempt).Msg("history fetch failed, retrying")
		return err
	}

	if err := backoff.Retry(op, l.newRetryBackoff(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if l.cache != nil {
		l.cache.Put(sessionID, items)
	}
	l.log.Debug().Str("session", sessionID).Int("items", len(items)).Int("attempts", attempt).Msg("history fetched")
	return items, nil
}

// Close cancels outstanding requests and waits for them to finish.
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Loader) newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, l.maxRetries), ctx)
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	// Transport and decode failures are retried.
	return true
}
