package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/control"
	"github.com/jingkaihe/stubnet/pkg/intercept"
	"github.com/jingkaihe/stubnet/pkg/journal"
	"github.com/jingkaihe/stubnet/pkg/logging"
	"github.com/jingkaihe/stubnet/pkg/proxy"
	"github.com/jingkaihe/stubnet/pkg/rulefile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interception proxy and its control plane",
	Example: `  stubnet serve --rules rules.yaml
  stubnet serve --upstream http://localhost:3000 --journal ./stubnet.db
  HTTP_PROXY=http://127.0.0.1:8790 go test ./...`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", api.DefaultListenAddr, "Proxy listen address")
	serveCmd.Flags().String("control", api.DefaultControlAddr, "Control plane listen address")
	serveCmd.Flags().String("rules", "", "Rule file to load at startup (YAML or JSON)")
	serveCmd.Flags().String("upstream", "", "Forward origin-form requests to this base URL")
	serveCmd.Flags().String("events", "", "Append interception events to this JSONL file")
	serveCmd.Flags().String("journal", "", "Record interception events in this SQLite database")
	serveCmd.Flags().String("run-id", "", "Run identifier stamped on events (generated when empty)")
	serveCmd.Flags().Duration("wait-timeout", api.DefaultWaitTimeout, "Default timeout for control plane waits")
	serveCmd.Flags().Duration("graceful-shutdown", api.DefaultGracefulShutdownPeriod, "Time allowed for in-flight requests on shutdown (0 drops them)")

	viper.BindPFlag("serve.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("serve.control", serveCmd.Flags().Lookup("control"))
	viper.BindPFlag("serve.rules", serveCmd.Flags().Lookup("rules"))
	viper.BindPFlag("serve.upstream", serveCmd.Flags().Lookup("upstream"))
	viper.BindPFlag("serve.events", serveCmd.Flags().Lookup("events"))
	viper.BindPFlag("serve.journal", serveCmd.Flags().Lookup("journal"))
	viper.BindPFlag("serve.run-id", serveCmd.Flags().Lookup("run-id"))
	viper.BindPFlag("serve.wait-timeout", serveCmd.Flags().Lookup("wait-timeout"))
	viper.BindPFlag("serve.graceful-shutdown", serveCmd.Flags().Lookup("graceful-shutdown"))

	rootCmd.AddCommand(serveCmd)
}

func serveConfigFromViper() *api.ServeConfig {
	return &api.ServeConfig{
		RunID:       viper.GetString("serve.run-id"),
		ListenAddr:  viper.GetString("serve.listen"),
		ControlAddr: viper.GetString("serve.control"),
		Upstream:    viper.GetString("serve.upstream"),
		RulesPath:   viper.GetString("serve.rules"),
		EventsPath:  viper.GetString("serve.events"),
		JournalPath: viper.GetString("serve.journal"),
		WaitTimeout: viper.GetDuration("serve.wait-timeout"),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := serveConfigFromViper()
	if err := cfg.Validate(); err != nil {
		return err
	}
	grace := viper.GetDuration("serve.graceful-shutdown")

	logger := slog.Default()
	stack, err := newServeStack(cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	proxyLn, err := net.Listen("tcp", cfg.GetListenAddr())
	if err != nil {
		return errx.Wrap(ErrListenProxy, err)
	}
	controlLn, err := net.Listen("tcp", cfg.GetControlAddr())
	if err != nil {
		proxyLn.Close()
		return errx.Wrap(ErrListenControl, err)
	}

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	logger.Info("stubnet serving",
		"proxy", proxyLn.Addr().String(),
		"control", controlLn.Addr().String(),
		"run_id", stack.emitter.RunID(),
		"rules", len(stack.handles))
	fmt.Fprintf(cmd.ErrOrStderr(), "Proxy listening on http://%s, control plane on http://%s\n",
		proxyLn.Addr(), controlLn.Addr())

	return serveListeners(ctx, grace,
		namedListener{name: "proxy", ln: proxyLn, handler: stack.proxy},
		namedListener{name: "control", ln: controlLn, handler: stack.control},
	)
}

// serveStack is everything serve runs, minus the listeners.
type serveStack struct {
	registry *intercept.Registry
	emitter  *logging.Emitter
	handles  []*intercept.Handle
	proxy    http.Handler
	control  http.Handler
}

func newServeStack(cfg *api.ServeConfig, logger *slog.Logger) (*serveStack, error) {
	var sinks []logging.Sink
	closeSinks := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	if cfg.EventsPath != "" {
		w, err := logging.NewJSONLWriter(cfg.EventsPath)
		if err != nil {
			return nil, errx.Wrap(ErrOpenEvents, err)
		}
		sinks = append(sinks, w)
	}
	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath)
		if err != nil {
			closeSinks()
			return nil, errx.Wrap(ErrOpenJournal, err)
		}
		sinks = append(sinks, store)
	}

	var emitter *logging.Emitter
	if len(sinks) > 0 {
		emitter = logging.NewEmitter(logging.EmitterConfig{RunID: cfg.GetRunID()}, sinks...)
	}

	registry := intercept.NewRegistry(
		intercept.WithLogger(logger),
		intercept.WithEmitter(emitter),
		intercept.WithWaitTimeout(cfg.GetWaitTimeout()),
	)

	var handles []*intercept.Handle
	if cfg.RulesPath != "" {
		file, err := rulefile.Load(cfg.RulesPath)
		if err != nil {
			emitter.Close()
			return nil, errx.Wrap(ErrLoadRules, err)
		}
		handles, err = rulefile.Apply(registry, file)
		if err != nil {
			emitter.Close()
			return nil, errx.Wrap(ErrApplyRules, err)
		}
	}

	p, err := proxy.New(registry, proxy.Config{Upstream: cfg.Upstream, Logger: logger})
	if err != nil {
		emitter.Close()
		return nil, errx.Wrap(ErrCreateProxy, err)
	}

	return &serveStack{
		registry: registry,
		emitter:  emitter,
		handles:  handles,
		proxy:    p,
		control:  control.New(registry, logger),
	}, nil
}

func (s *serveStack) Close() error {
	return s.emitter.Close()
}

type namedListener struct {
	name    string
	ln      net.Listener
	handler http.Handler
}

// serveListeners serves every listener until ctx is done or one of them
// fails, then shuts all of them down within grace.
func serveListeners(ctx context.Context, grace time.Duration, listeners ...namedListener) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := make([]*http.Server, len(listeners))
	for i, l := range listeners {
		srv := &http.Server{
			Handler:           l.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers[i] = srv
		g.Go(func() error {
			if err := srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errx.With(ErrServe, " %s: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := closeContext(grace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
			}
		}
		return nil
	})

	return g.Wait()
}
