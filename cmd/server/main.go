package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/fleetrotate/internal/api"
	"github.com/org/fleetrotate/internal/audit"
	"github.com/org/fleetrotate/internal/idp"
	"github.com/org/fleetrotate/internal/notify"
	"github.com/org/fleetrotate/internal/provision"
	"github.com/org/fleetrotate/internal/rotation"
	"github.com/org/fleetrotate/internal/storage"
	"github.com/org/fleetrotate/internal/vault"
)

type config struct {
	ListenAddr       string `yaml:"listen_addr"`
	TLSCertFile      string `yaml:"tls_cert"`
	TLSKeyFile       string `yaml:"tls_key"`
	DBUrl            string `yaml:"db_url"`
	MigrationsDir    string `yaml:"migrations_dir"`
	NATSUrl          string `yaml:"nats_url"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	IdPBaseURL       string `yaml:"idp_base_url"`
	RotationSchedule string `yaml:"rotation_schedule"`
	ConfirmTimeout   string `yaml:"confirm_timeout"`
	PassInterval     string `yaml:"pass_interval"`
	LogLevel         string `yaml:"log_level"`
}

func main() {
	// Secrets may come from a local .env in development.
	godotenv.Load() //nolint:errcheck

	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("FLEETROTATE_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:       ":8080",
		MigrationsDir:    "migrations",
		NATSUrl:          "nats://127.0.0.1:4222",
		RotationSchedule: "0 3 * * *",
		ConfirmTimeout:   "24h",
		PassInterval:     "1m",
		LogLevel:         "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("FLEETROTATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSUrl = v
	}
	if v := os.Getenv("FLEETROTATE_IDP_URL"); v != "" {
		cfg.IdPBaseURL = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.IdPBaseURL == "" {
		log.Fatal().Msg("idp_base_url must be configured (or FLEETROTATE_IDP_URL env var)")
	}

	// Secrets are env-only, never in the config file.
	masterKey, err := base64.StdEncoding.DecodeString(os.Getenv("FLEETROTATE_MASTER_KEY"))
	if err != nil || len(masterKey) != vault.MasterKeySize {
		log.Fatal().Msg("FLEETROTATE_MASTER_KEY must be 32 bytes, base64 encoded")
	}
	adminToken := os.Getenv("FLEETROTATE_ADMIN_TOKEN")
	if adminToken == "" {
		log.Fatal().Msg("FLEETROTATE_ADMIN_TOKEN must be set")
	}
	idpToken := os.Getenv("FLEETROTATE_IDP_TOKEN")
	if idpToken == "" {
		log.Fatal().Msg("FLEETROTATE_IDP_TOKEN must be set")
	}

	// Fail fast on schedule and window values, not on the first pass.
	schedule, err := rotation.ParseSchedule(cfg.RotationSchedule)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.RotationSchedule).Msg("invalid rotation_schedule")
	}
	confirmTimeout, err := time.ParseDuration(cfg.ConfirmTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("value", cfg.ConfirmTimeout).Msg("invalid confirm_timeout")
	}
	passInterval, err := time.ParseDuration(cfg.PassInterval)
	if err != nil || passInterval <= 0 {
		log.Fatal().Str("value", cfg.PassInterval).Msg("invalid pass_interval")
	}

	ctx := context.Background()

	// Connect to database
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	// Run migrations
	version, err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Uint("version", version).Msg("migrations applied")

	sealer, err := vault.New(masterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}

	// Connect to the broker
	publisher, err := notify.Connect(cfg.NATSUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer publisher.Close()

	provider := idp.NewHTTPClient(cfg.IdPBaseURL, idpToken)

	engine := rotation.New(rotation.Config{
		Store:            store,
		IdentityProvider: provider,
		Publisher:        publisher,
		Vault:            sealer,
		Schedule:         schedule,
		ConfirmTimeout:   confirmTimeout,
		SubjectPrefix:    cfg.SubjectPrefix,
		Log:              log.Logger,
	})
	recorder := audit.NewRecorder(store, log.Logger)
	devices := provision.NewService(store, provider, sealer, recorder, nil, log.Logger)

	srv := api.NewServer(store, engine, devices, recorder, api.Config{
		ListenAddr:  cfg.ListenAddr,
		AdminToken:  adminToken,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	})

	// Rotation passes run on a fixed cadence, independent of the HTTP plane.
	passCtx, stopPasses := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(passInterval)
		defer ticker.Stop()
		for {
			select {
			case <-passCtx.Done():
				return
			case <-ticker.C:
				sum, err := engine.RunPass(passCtx)
				if err != nil {
					log.Error().Err(err).Msg("rotation pass failed")
					continue
				}
				if sum.WaveStarted || sum.Promoted != nil || sum.TimedOut > 0 || sum.Restored > 0 {
					log.Info().
						Bool("wave_started", sum.WaveStarted).
						Int("queued", sum.Queued).
						Int("timed_out", sum.TimedOut).
						Int("restored", sum.Restored).
						Msg("rotation pass")
				}
			}
		}
	}()

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("schedule", cfg.RotationSchedule).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	stopPasses()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
