package replay

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/engine"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/pkg/types"
)

// Result is the outcome of running one scenario.
type Result struct {
	Scenario string        `json:"scenario" yaml:"scenario"`
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"`
	State    engine.State  `json:"state" yaml:"state"`
	Emitted  int           `json:"emitted" yaml:"emitted"`
	Snapshot chat.Snapshot `json:"snapshot" yaml:"snapshot"`
	Failures []string      `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool {
	return len(r.Failures) == 0
}

// Runner replays scenarios against a fresh engine each.
type Runner struct {
	log     zerolog.Logger
	now     func() time.Time
	session string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger passed to each engine.
func WithRunnerLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithRunnerClock sets the clock used for generated timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSession overrides every scenario's initial session.
func WithSession(id string) RunnerOption {
	return func(r *Runner) { r.session = id }
}

// NewRunner creates a runner. Timestamps default to the Unix epoch so that
// repeated runs render identically.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		log: logging.Component("replay"),
		now: func() time.Time { return time.UnixMilli(0) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies every event in sc to a new engine and checks the scenario's
// expectations. Decoding errors abort the run; failed expectations are
// reported in the result.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	session := sc.Session
	if r.session != "" {
		session = r.session
	}

	bus := event.NewBus()
	defer bus.Close()

	eng := engine.New(bus,
		engine.WithInitialSession(session),
		engine.WithClock(r.now),
		engine.WithLogger(r.log.With().Str("scenario", sc.Name).Logger()))
	defer eng.Dispose()

	res := &Result{Scenario: sc.Name, Path: sc.Path}
	for i, env := range sc.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := event.DecodeEnvelope(env)
		if err != nil {
			return nil, fmt.Errorf("%s: event %d: %w", sc.Name, i, err)
		}
		bus.Emit(ev)
		res.Emitted++
	}

	res.State = eng.State()
	res.Snapshot = eng.Snapshot()
	res.Failures = r.check(sc.Expect, eng, res)

	r.log.Debug().
		Str("scenario", sc.Name).
		Int("events", res.Emitted).
		Int("items", len(res.Snapshot.Items)).
		Bool("passed", res.Passed()).
		Msg("scenario replayed")
	return res, nil
}

func (r *Runner) check(exp *Expectation, eng *engine.Engine, res *Result) []string {
	if exp == nil {
		return nil
	}

	var failures []string
	failf := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if exp.Session != "" && exp.Session != res.State.SessionID {
		failf("session: want %q, got %q", exp.Session, res.State.SessionID)
	}
	if exp.Phase != "" && engine.Phase(exp.Phase) != res.State.Phase {
		failf("phase: want %s, got %s", exp.Phase, res.State.Phase)
	}
	if exp.Items != nil {
		if got := ItemKeys(res.Snapshot.Items); !equalStrings(exp.Items, got) {
			failf("items: want [%s], got [%s]", strings.Join(exp.Items, " "), strings.Join(got, " "))
		}
	}
	if exp.Uploaded != nil {
		if got := eng.UploadedMediaIDs(); !equalStrings(exp.Uploaded, got) {
			failf("uploaded: want [%s], got [%s]", strings.Join(exp.Uploaded, " "), strings.Join(got, " "))
		}
	}
	if exp.Golden != "" {
		want, err := os.ReadFile(exp.Golden)
		if err != nil {
			failf("golden: %v", err)
		} else if diff, ok := Compare(string(want), Transcript(res)); !ok {
			failf("golden %s differs:\n%s", exp.Golden, diff)
		}
	}
	return failures
}

// ItemKeys returns a stable key per item: the id of messages and media,
// and divider:start or divider:end for dividers, whose ids are generated.
func ItemKeys(items types.Items) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if d, ok := item.(*types.Divider); ok {
			keys = append(keys, "divider:"+string(d.DividerType))
			continue
		}
		keys = append(keys, item.ItemID())
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
