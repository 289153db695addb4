// Command authcored serves the auth engine over a small JSON HTTP API.
//
// Run against local infrastructure:
//
//	authcored -config /etc/authcore.yaml
//
// or self-contained with an in-process Redis and in-memory principals:
//
//	authcored -demo
//
// Every config field can be overridden by AUTHCORE_* environment variables,
// e.g. AUTHCORE_JWT_SIGNING_KEY or AUTHCORE_BACKEND_REDIS_ADDR.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brandshop/authcore"
	"github.com/brandshop/authcore/alert"
	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/principal"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

const envPrefix = "AUTHCORE"

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		demo       = flag.Bool("demo", false, "run on miniredis and in-memory principals")
	)
	flag.Parse()

	if err := run(*configPath, *demo); err != nil {
		fmt.Fprintf(os.Stderr, "authcored: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string, demo bool) (authcore.Config, error) {
	cfg := authcore.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = authcore.LoadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if demo {
		cfg.Backend.Kind = authcore.BackendRedis
		cfg.Database.DSN = ""
		cfg.Audit.Store = "memory"
		if cfg.JWT.SigningKey == "" {
			cfg.JWT.SigningKey = "authcored-demo-signing-key-do-not-use"
		}
	}
	if err := authcore.ApplyEnv(envPrefix, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(configPath string, demo bool) error {
	cfg, err := loadConfig(configPath, demo)
	if err != nil {
		return err
	}

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if demo && cfg.Backend.RedisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		closers = append(closers, mr.Close)
		cfg.Backend.RedisAddr = mr.Addr()
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := authcore.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	builder := authcore.New().
		WithConfig(cfg).
		WithLogger(log).
		WithAlertChannels(alert.NewLogChannel(log))

	if cfg.Backend.Kind == authcore.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Backend.RedisAddr,
			Password: cfg.Backend.RedisPassword,
			DB:       cfg.Backend.RedisDB,
		})
		closers = append(closers, func() { _ = client.Close() })
		builder = builder.WithRedis(client)
	}

	if cfg.Database.DSN != "" {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = db.Close() })

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		repo, err := principal.NewSQL(ctx, db)
		if err != nil {
			return err
		}
		builder = builder.WithPrincipalRepository(repo)

		if cfg.Audit.Store == "sql" {
			store, err := audit.NewSQLStore(ctx, db)
			if err != nil {
				return err
			}
			builder = builder.WithAuditStore(store)
		}
	}

	engine, err := builder.Build()
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}

	handler, err := newServer(engine, cfg, log, demo).Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"backend": cfg.Backend.Kind,
		"demo":    demo,
	}).Info("authcored listening")

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := engine.Close(ctx); err != nil {
		log.WithError(err).Warn("engine shutdown incomplete")
	}
	log.Info("stopped")
	return nil
}

func openDatabase(cfg authcore.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
