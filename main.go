package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/sync/errgroup"

	"rentaltruth-server/activity"
	"rentaltruth-server/config"
	"rentaltruth-server/core"
	"rentaltruth-server/handlers/api/properties"
	"rentaltruth-server/handlers/api/rooms"
	"rentaltruth-server/handlers/websocket"
	auth "rentaltruth-server/middleware"
	"rentaltruth-server/presence"
	"rentaltruth-server/stores"
)

// app wires the presence core to storage and the HTTP surface.
type app struct {
	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	handler     *presence.Handler
	bridge      *presence.Bridge
	recorder    *activity.Recorder
	auth        *auth.Authenticator
	store       core.Store
}

func newApp(store core.Store, cfg config.Config) *app {
	recorder := activity.NewRecorder(store, cfg.ActivityQueueSize, cfg.WriteTimeout)
	registry := presence.NewRegistry()
	broadcaster := presence.NewBroadcaster(registry, cfg.OutboxSize)

	return &app{
		registry:    registry,
		broadcaster: broadcaster,
		handler: presence.NewHandler(registry, broadcaster,
			presence.WithQueueSize(cfg.SignalQueueSize),
			presence.WithRecorder(recorder),
		),
		bridge:   presence.NewBridge(broadcaster, recorder),
		recorder: recorder,
		auth:     auth.NewAuthenticator(cfg.JWTSecret),
		store:    store,
	}
}

func (a *app) setupRouter(allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Mount("/api/properties", properties.NewHandler(a.store, a.handler, a.bridge).Routes(a.auth))
	r.Get("/api/rooms", rooms.HandleList(a.handler))
	return r
}

// run serves until ctx is cancelled and then shuts everything down in order:
// listeners first, then the signal consumer, then the activity drain.
func (a *app) run(ctx context.Context, cfg config.Config) error {
	workers, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	r := a.setupRouter(cfg.AllowedOrigins)
	ioo := websocket.SetupSocketIO(workers, a.handler, cfg.AllowedOrigins, cfg.SubmitTimeout)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.handler.Run(workers)) })
	g.Go(func() error { return ignoreCanceled(a.recorder.Run(workers)) })
	g.Go(func() error {
		logrus.WithField("addr", cfg.Listen).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		waitForShutdown(srv, ioo, cfg.ShutdownTimeout)
		stopWorkers()
		return nil
	})

	err := g.Wait()
	a.broadcaster.Close()
	logrus.WithFields(logrus.Fields{
		"delivered":         a.broadcaster.Stats().Delivered,
		"dropped":           a.broadcaster.Stats().Dropped,
		"activitiesDropped": a.recorder.Dropped(),
	}).Info("Server stopped")
	return err
}

func waitForShutdown(srv *http.Server, ioo *socketio.Server, timeout time.Duration) {
	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	ioo.Close(nil)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "rentaltruth-server",
		Short:        "Live viewer counts and booking activity for property listings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			cfg.ConfigureLogging()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()

			store, err := stores.NewStore(ctx, cfg)
			if err != nil {
				return err
			}
			return newApp(store, cfg).run(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	flags.String("listen", ":3002", "Set the server listen address")
	flags.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	_ = v.BindPFlag(config.ListenKey, flags.Lookup("listen"))
	_ = v.BindPFlag(config.LogLevelKey, flags.Lookup("loglevel"))

	cmd.AddCommand(newTokenCommand(v, &cfgFile))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithField("event", "start server").Fatal(err)
	}
}
