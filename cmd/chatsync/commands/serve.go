package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatsync/internal/config"
	"github.com/opencode-ai/chatsync/internal/engine"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/history"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/internal/replay"
	"github.com/opencode-ai/chatsync/internal/server"
	"github.com/opencode-ai/chatsync/pkg/types"
)

var (
	serveAddr    string
	serveSession string
	serveFollow  []string
	serveScripts []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an engine behind the HTTP inspector",
	Long: `Start an engine and expose it over HTTP. Events can be posted to
/events, streamed from tailed JSONL logs (--follow) or replayed once from
scenario files at startup (--script). Producers are routed through an
in-process pub/sub so they are delivered in arrival order.

When history.url is configured, switching to a session loads its history
from {url}/session/{id}/message.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveSession, "session", "", "Initial session")
	serveCmd.Flags().StringSliceVar(&serveFollow, "follow", nil, "JSONL event logs to tail")
	serveCmd.Flags().StringSliceVar(&serveScripts, "script", nil, "Scenario files or globs to replay at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	log := logging.Component("serve")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	defer bus.Close()

	// Every producer publishes on the pub/sub; the bridge is the bus's
	// only feeder besides the history loader.
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: config.BridgeBuffer(cfg)},
		logging.NewWatermillAdapter(logging.Component("watermill")),
	)
	defer pubsub.Close()

	topic := event.DefaultTopic
	if cfg.Bridge != nil && cfg.Bridge.Topic != "" {
		topic = cfg.Bridge.Topic
	}
	bridge := event.NewBridge(pubsub, topic, bus)
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	defer bridge.Close()
	producer := event.NewPublisher(pubsub, topic)

	var opts []engine.Option
	var serverOpts []server.Option
	if loader := newHistoryLoader(cfg, bus); loader != nil {
		defer loader.Close()
		opts = append(opts, engine.WithHistory(loader))
		serverOpts = append(serverOpts, server.WithCache(loader.Cache()))
	}
	opts = append(opts, engine.WithInitialSession(serveSession))

	eng := engine.New(bus, opts...)
	defer eng.Dispose()

	for _, path := range serveFollow {
		tl, err := replay.NewTailer(path, producer)
		if err != nil {
			return err
		}
		tl.Start()
		defer tl.Stop()
	}

	if len(serveScripts) > 0 {
		if err := replayScripts(ctx, serveScripts, producer); err != nil {
			return err
		}
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = config.InspectAddr(cfg)
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	srvCfg.EnableCORS = config.CORSEnabled(cfg)
	srv := server.New(srvCfg, eng, producer, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	cmd.Printf("chatsync %s inspecting on http://%s (engine %s)\n", Version, srvCfg.Addr, eng.ID())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("inspector shutdown error")
	}
	return nil
}

func newHistoryLoader(cfg *types.Config, target event.Emitter) *history.Loader {
	if cfg.History == nil || cfg.History.URL == "" {
		return nil
	}

	size := cfg.History.CacheSize
	if size <= 0 {
		size = history.DefaultCacheSize
	}
	opts := []history.LoaderOption{
		history.WithCache(history.NewCache(size)),
		history.WithTimeout(config.HistoryTimeout(cfg)),
	}
	if cfg.History.MaxRetries != nil {
		opts = append(opts, history.WithMaxRetries(*cfg.History.MaxRetries))
	}
	fetcher := history.NewHTTPFetcher(cfg.History.URL, nil)
	return history.NewLoader(fetcher, target, opts...)
}

// replayScripts publishes the events of every matching scenario, in file
// order. Expectations are ignored.
func replayScripts(ctx context.Context, patterns []string, target event.Emitter) error {
	paths, err := replay.Resolve(patterns)
	if err != nil {
		return err
	}
	for _, path := range paths {
		sc, err := replay.LoadFile(path)
		if err != nil {
			return err
		}
		for _, env := range sc.Events {
			if err := ctx.Err(); err != nil {
				return err
			}
			ev, err := event.DecodeEnvelope(env)
			if err != nil {
				return err
			}
			target.Emit(ev)
		}
	}
	return nil
}
