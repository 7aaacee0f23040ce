package main

import (
	"database/sql"
	"flag"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/PhucNguyen204/sigconv/internal/config"
	"github.com/PhucNguyen204/sigconv/internal/logging"
	srv "github.com/PhucNguyen204/sigconv/internal/server"
	"github.com/PhucNguyen204/sigconv/pkg/backend"
	"github.com/PhucNguyen204/sigconv/pkg/engine"
	"github.com/PhucNguyen204/sigconv/pkg/pipeline"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("SIGCONV_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("init logger")
	}

	var extra []*pipeline.Stage
	if cfg.Pipelines.Dir != "" {
		if extra, err = pipeline.LoadDir(cfg.Pipelines.Dir); err != nil {
			logger.Fatal().Err(err).Msg("load pipelines")
		}
		logger.Info().Str("dir", cfg.Pipelines.Dir).Int("stages", len(extra)).Msg("custom pipelines loaded")
	}
	pipelines, err := pipeline.NewDefaultRegistry(extra...)
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline registry")
	}
	eng := engine.New(backend.NewDefaultRegistry(), pipelines, cfg.Engine.Engine(), logger)

	var db *sql.DB
	if cfg.Database.Enabled {
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("open db")
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			logger.Fatal().Err(err).Msg("ping db")
		}
		defer db.Close()
	}

	server := srv.NewAppServer(eng, db, logger)
	if err := server.InitSchema(cfg.Database.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("init schema")
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", cfg.Server.Addr).Bool("history", db != nil).Msg("sigconv server listening")
	if err := httpSrv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}
}
