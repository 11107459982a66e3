package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/config"
	"github.com/opencode-ai/chatsync/internal/engine"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/internal/replay"
)

var (
	replayOutput  string
	replaySession string
	replayFollow  bool
	replayNoColor bool
	replayExpect  string
)

var replayCmd = &cobra.Command{
	Use:   "replay [scenario|dir|glob]...",
	Short: "Replay recorded event streams through a fresh engine",
	Long: `Replay applies each scenario's events to a new engine and prints the
resulting session. Scenarios are YAML documents with optional expectations,
or JSONL files with one {"type","properties"} envelope per line.

With --follow a single JSONL file is tailed and the session is printed
again after every change until interrupted.

Without arguments the scenarios under the state directory
($XDG_STATE_HOME/chatsync/scenarios) are replayed.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", "text", "Output format (text|json|yaml)")
	replayCmd.Flags().StringVar(&replaySession, "session", "", "Override the initial session")
	replayCmd.Flags().BoolVarP(&replayFollow, "follow", "f", false, "Tail a JSONL file")
	replayCmd.Flags().BoolVar(&replayNoColor, "no-color", false, "Disable colored output")
	replayCmd.Flags().StringVar(&replayExpect, "expect", "", "Golden transcript to compare a single scenario against")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if _, err := setup(); err != nil {
		return err
	}
	if replayNoColor {
		color.NoColor = true
	}

	format, err := replay.ParseFormat(replayOutput)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if replayFollow {
		if len(args) != 1 {
			return fmt.Errorf("--follow takes exactly one file, got %d", len(args))
		}
		return follow(ctx, cmd, args[0], format)
	}

	if len(args) == 0 {
		args = []string{config.GetPaths().ScenarioPath()}
	}
	paths, err := replay.Resolve(args)
	if err != nil {
		return err
	}

	if replayExpect != "" && len(paths) != 1 {
		return fmt.Errorf("--expect needs exactly one scenario, got %d", len(paths))
	}

	runner := replay.NewRunner(replay.WithSession(replaySession))
	failed := 0
	for _, path := range paths {
		sc, err := replay.LoadFile(path)
		if err != nil {
			return err
		}
		if replayExpect != "" {
			if sc.Expect == nil {
				sc.Expect = &replay.Expectation{}
			}
			sc.Expect.Golden = replayExpect
		}
		res, err := runner.Run(ctx, sc)
		if err != nil {
			return err
		}
		if err := replay.Render(cmd.OutOrStdout(), res, format); err != nil {
			return err
		}
		if !res.Passed() {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(paths))
	}
	return nil
}

func follow(ctx context.Context, cmd *cobra.Command, path string, format replay.Format) error {
	bus := event.NewBus()
	defer bus.Close()

	eng := engine.New(bus, engine.WithInitialSession(replaySession))
	defer eng.Dispose()

	changes := make(chan chat.Snapshot, 1)
	cancel := eng.OnChange(func(s chat.Snapshot) {
		select {
		case changes <- s:
		default:
			// the printer only needs the newest snapshot
			select {
			case <-changes:
			default:
			}
			select {
			case changes <- s:
			default:
			}
		}
	})
	defer cancel()

	tl, err := replay.NewTailer(path, bus, replay.WithTailLogger(logging.Component("tail")))
	if err != nil {
		return err
	}
	tl.Start()
	defer tl.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-changes:
			res := &replay.Result{
				Scenario: path,
				State:    eng.State(),
				Emitted:  int(tl.Emitted()),
				Snapshot: snap,
			}
			if err := replay.Render(cmd.OutOrStdout(), res, format); err != nil {
				return err
			}
		}
	}
}
