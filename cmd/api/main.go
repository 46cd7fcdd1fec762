package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"collabflow/application"
	"collabflow/auth"
	"collabflow/cancellation"
	"collabflow/collaboration"
	"collabflow/db"
	"collabflow/dispute"
	"collabflow/httpapi"
	"collabflow/obs"
	"collabflow/review"
)

var version = "dev"

type config struct {
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	Addr              string        `env:"ADDR" envDefault:":8080"`
	JWTSecret         string        `env:"JWT_SECRET,required"`
	MaxConns          int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	SchedulerInterval time.Duration `env:"REVEAL_SCHEDULER_INTERVAL" envDefault:"1m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	obs.Init()

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	collabSvc := collaboration.NewService(pool, nil, nil, nil)
	applicationSvc := application.NewService(pool, nil, nil)
	reviewSvc := review.NewService(pool, nil)
	disputeSvc := dispute.NewService(pool, nil, nil)
	cancellationSvc := cancellation.NewService(pool, nil, nil)

	api := httpapi.New(pool, authSvc, collabSvc, applicationSvc, reviewSvc, disputeSvc, cancellationSvc, version)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler := review.NewScheduler(pool, review.NewRepository(pool), cfg.SchedulerInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("api listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
	log.Printf("shutdown complete")
}
