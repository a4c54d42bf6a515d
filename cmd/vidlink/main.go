// Command vidlink streams video between two endpoints over RTP.
//
//	vidlink send --peer 10.0.0.2:5004
//	vidlink receive --listen :5004 --snapshots ./frames
//	vidlink serve --api :8080
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vidlink/internal/api"
	"github.com/zsiec/vidlink/internal/certs"
	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/session"
	"github.com/zsiec/vidlink/internal/transport"
)

var version = "dev"

// tickInterval is how often the session manager checks for restarts.
const tickInterval = 250 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "vidlink",
		Short:         "Real-time video streaming over RTP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: vidlink.yaml in ., $XDG_CONFIG_HOME/vidlink, /etc/vidlink)")
	config.RegisterFlags(root.PersistentFlags())

	load := func(cmd *cobra.Command) (config.Settings, error) {
		s, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			slog.Error("invalid configuration", "error", err)
			return config.Settings{}, err
		}
		setupLogging(s.Debug)
		if s.ConfigFile != "" {
			slog.Info("loaded config", "file", s.ConfigFile)
		}
		return s, nil
	}

	root.AddCommand(newSendCmd(load), newReceiveCmd(load), newServeCmd(load))
	return root
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// app runs the session manager, the optional control API and any
// sessions given on the command line.
type app struct {
	settings config.Settings
	identity *certs.Identity
	mgr      *session.Manager
}

func newApp(s config.Settings) (*app, error) {
	var id *certs.Identity
	if s.Stream.Transport == config.TransportQUIC || s.API != "" {
		var err error
		slog.Info("generating self-signed certificate")
		id, err = certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			return nil, fmt.Errorf("generating certificate: %w", err)
		}
		slog.Info("certificate generated",
			"fingerprint", id.FingerprintBase64(),
			"expires", id.NotAfter.Format(time.RFC3339),
		)
	}
	return &app{
		settings: s,
		identity: id,
		mgr: session.NewManager(session.ManagerConfig{
			MaxRestarts:    s.MaxRestarts,
			RestartBackoff: s.RestartBackoff,
			Identity:       id,
		}, nil),
	}, nil
}

// run serves until ctx is done. When specs are given, a session that
// fails for good ends the run with its error.
func (a *app) run(ctx context.Context, specs ...session.Spec) error {
	defer a.mgr.Close()

	events, unsubscribe := a.mgr.Subscribe(64)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.mgr.Run(ctx, tickInterval)
	})

	if a.settings.API != "" {
		srv, err := api.NewServer(api.ServerConfig{
			Addr:     a.settings.API,
			Sessions: a.mgr,
			Defaults: a.settings.Stream,
			Identity: a.identity,
		}, nil)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})
	}

	owned := make(map[string]bool, len(specs))
	for _, spec := range specs {
		id, err := a.mgr.Start(ctx, spec)
		if err != nil {
			return err
		}
		owned[id] = true
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				slog.Info("session", "id", ev.SessionID, "role", ev.Role.String(), "state", ev.State.String(), "error", ev.Err)
				if owned[ev.SessionID] && ev.Final && ev.State == transport.StateFaulted {
					return fmt.Errorf("session %s failed: %s", ev.SessionID, ev.Err)
				}
			}
		}
	})

	slog.Info("vidlink running", "version", version, "api", a.settings.API, "transport", a.settings.Stream.Transport)
	return g.Wait()
}
