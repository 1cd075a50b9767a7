package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kolokol/internal/api"
	"kolokol/internal/auth"
	"kolokol/internal/call"
	"kolokol/internal/chat"
	"kolokol/internal/commands"
	"kolokol/internal/config"
	"kolokol/internal/fanout"
	"kolokol/internal/http"
	"kolokol/internal/notify"
	"kolokol/internal/presence"
	"kolokol/internal/registry"
	"kolokol/internal/storage"
	"kolokol/internal/stubs"
	"kolokol/internal/telemetry"
	"kolokol/internal/typing"
	"kolokol/internal/ws"

	"golang.org/x/sync/errgroup"
)

type notifier interface {
	fanout.Notifier
	Wait()
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("kolokol", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create via the admin API (prints an access token)")
	seed := flags.Bool("seed", false, "Store demo users and chats before starting")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(ctx, *addUser, cfg)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	if *seed {
		if err := stubs.Seed(ctx, bbStorage); err != nil {
			return err
		}
		logger.Info("demo data stored")
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	var push notifier = notify.Noop{}
	pushCfg := notify.Config{
		Subscriber:      cfg.VAPIDSubscriber,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
	}
	if pushCfg.Enabled() {
		push = notify.NewWebPush(pushCfg, bbStorage, logger)
	}
	defer push.Wait()

	reg := registry.New()
	rooms := chat.NewManager(bbStorage, logger)
	tracker := typing.NewTracker(rooms, cfg.TypingTTL, logger)
	defer tracker.Close()

	hub := ws.NewHub(ws.Deps{
		Registry: reg,
		Rooms:    rooms,
		Presence: presence.NewPublisher(bbStorage, reg, logger),
		Typing:   tracker,
		Fanout:   fanout.New(bbStorage, reg, rooms, tracker, push, logger),
		Calls:    call.NewCoordinator(bbStorage, reg, logger),
	}, ws.Config{EventTimeout: cfg.EventTimeout, OutboxSize: cfg.OutboxSize}, logger)

	wsServer := ws.NewServer(ctx, authService, hub, logger)
	apiServer := http.NewAPIServer(
		api.New(authService, bbStorage, hub.Calls, logger),
		wsServer,
		cfg.APIAddr,
		logger,
	)
	adminServer := http.NewAdminServer(
		api.NewAdminHandler(authService, bbStorage, hub, cfg.BaseURL, logger),
		cfg.AdminAddr,
		logger,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	wsServer.Wait()
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
