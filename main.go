package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"devsuite/internal/api"
	"devsuite/internal/auth"
	"devsuite/internal/chat"
	"devsuite/internal/config"
	"devsuite/internal/logging"
	"devsuite/internal/redis"
	"devsuite/internal/service/account"
	"devsuite/internal/service/ai"
	"devsuite/internal/service/generation"
	"devsuite/internal/service/project"
	"devsuite/internal/service/sandbox"
	"devsuite/internal/storage"
	"devsuite/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("DEVSUITE_CONFIG"))
	if err != nil {
		logging.Base().Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogPretty)
	if cfg.BasicConfig.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	dbType := os.Getenv("DEVSUITE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info().Str("db", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create redis client")
	}
	defer rdb.Close()

	accounts := account.NewService(db)
	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)
	if cfg.Firebase.Enabled {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			log.Fatal().Err(err).Msg("init firebase")
		}
		authService.UseExternalProvider(verifier, accounts)
		log.Info().Msg("firebase id tokens accepted")
	}
	stopJanitor, err := authService.StartJanitor(cfg.BasicConfig.TokenPurgeSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("start token janitor")
	}
	defer stopJanitor()

	gen := cfg.Generation
	chatModel, err := ai.NewChatModel(ctx, gen.Provider, cfg.Providers[gen.Provider], gen.Model)
	if err != nil {
		log.Fatal().Err(err).Str("provider", gen.Provider).Msg("init chat model")
	}
	pool := worker.NewPool(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	defer pool.Close()

	projects := project.NewStore(db)
	generator := generation.NewService(
		generation.NewAssembler(projects),
		generation.NewStreamer(chatModel, gen.SystemPrompt),
		generation.NewPersister(projects, gen.ProjectTitle, gen.ProjectDescription),
		pool,
	)

	rooms := chat.NewStore(db)
	hub := chat.NewHub(rooms, rdb)
	hub.Start(ctx)

	handler := api.NewHandler(api.Deps{
		DB:             db,
		Redis:          rdb,
		Auth:           authService,
		Accounts:       accounts,
		Projects:       projects,
		Generator:      generator,
		Rooms:          rooms,
		Hub:            hub,
		Sandbox:        sandbox.NewClient(cfg.Sandbox),
		Workers:        pool,
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
		GenerateLimit:  api.RateLimit{PerMinute: gen.RatePerMinute, Burst: gen.Burst},
		ExecuteLimit:   api.RateLimit{PerMinute: cfg.Sandbox.RatePerMinute, Burst: cfg.Sandbox.Burst},
	})

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Info().
		Str("addr", srv.Addr).
		Str("provider", gen.Provider).
		Bool("redis", rdb != nil).
		Msg("devsuite listening")
	if err := runServer(ctx, srv); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logging.Base().Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
