package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"collab/api/internal/app"
	"collab/api/internal/auth"
	"collab/api/internal/collab"
	"collab/api/internal/config"
	"collab/api/internal/gitrepo"
	"collab/api/internal/logx"
	"collab/api/internal/notify"
	"collab/api/internal/presence"
	"collab/api/internal/realtime"
	"collab/api/internal/search"
	"collab/api/internal/store"
)

func main() {
	issueFor := flag.String("issue-token", "", "print an access token for this user id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logx.New(os.Stdout, cfg.LogLevel, cfg.LogPretty)

	if *issueFor != "" {
		if err := printToken(cfg, *issueFor); err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
}

func printToken(cfg config.Config, rawUserID string) error {
	userID, err := collab.ParseID("userId", rawUserID)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), userID, "dev", cfg.AccessTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	registry := presence.New()
	defer registry.Close()
	hub := realtime.NewHub(registry, logx.Component(logger, "hub"))

	var publisher notify.Publisher = hub
	var redisPublisher *notify.RedisPublisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPublisher, err = notify.NewRedisPublisher(cfg.RedisURL, logx.Component(logger, "notify"))
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisPublisher.Close()
		publisher = notify.Fanout{hub, redisPublisher}

		go func() {
			if err := redisPublisher.Subscribe(ctx, hub.Deliver, nil); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
		logger.Info().Str("origin", redisPublisher.Origin()).Msg("relaying events through redis")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logx.Component(logger, "meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logx.Component(logger, "search"))
	go searchService.ReindexAllFromPG(ctx)

	service := app.New(store.NewPostgresStore(db), registry, publisher, logx.Component(logger, "service")).
		WithSearch(searchService).
		WithArchive(gitrepo.New(cfg.ReposDir)).
		WithRecent(redisPublisher)

	socket := realtime.NewHandler(service, hub, realtime.Options{
		ReadBufferSize:    cfg.WSReadBufferSize,
		WriteBufferSize:   cfg.WSWriteBufferSize,
		SendQueue:         cfg.WSSendQueue,
		PingInterval:      cfg.WSPingInterval,
		TypingIdleTimeout: cfg.TypingIdleTimeout,
		CheckOrigin:       originChecker(cfg.CORSOrigin),
	}, logx.Component(logger, "realtime"))

	httpServer := app.NewHTTPServer(service, []byte(cfg.JWTSecret), cfg.CORSOrigin, logx.Component(logger, "http")).
		WithSocket(socket)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("collab API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	service.Wait()
	searchService.Wait()
	return nil
}

// originChecker allows any websocket origin when CORS is open and otherwise
// only the configured one.
func originChecker(corsOrigin string) func(*http.Request) bool {
	if corsOrigin == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return r.Header.Get("Origin") == corsOrigin
	}
}
