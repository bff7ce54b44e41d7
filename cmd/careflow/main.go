package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caregrid/careflow/internal/actions"
	"github.com/caregrid/careflow/internal/api"
	"github.com/caregrid/careflow/internal/engine"
	"github.com/caregrid/careflow/internal/messaging"
	"github.com/caregrid/careflow/internal/scheduler"
	"github.com/caregrid/careflow/internal/sequence"
	"github.com/caregrid/careflow/internal/store"
	"github.com/caregrid/careflow/internal/twilio"
	"github.com/caregrid/careflow/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareFlow state data
	DefaultStateDir = "/var/lib/careflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "careflow.db"
	// DefaultPollSeconds is the default step-runner poll interval in seconds
	DefaultPollSeconds = 30
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	msgService := buildMessagingService()

	exec := actions.NewDefaultExecutor(st, msgService)
	eng := engine.NewEngine(st, exec)
	manager := sequence.NewManager(st, exec)
	runner := sequence.NewStepRunner(st, manager, time.Duration(*flags.pollSeconds)*time.Second)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := sched.AddJob(*flags.sweepSchedule, func() {
		if err := eng.SweepInactive(ctx); err != nil {
			slog.Error("Inactivity sweep failed", "error", err)
		}
	}); err != nil {
		slog.Error("Failed to schedule inactivity sweep", "error", err, "schedule", *flags.sweepSchedule)
		os.Exit(1)
	}

	go runner.Run(ctx)

	server := api.NewServer(st, eng, manager, msgService, msgService, buildAPIOptions(flags)...)

	slog.Info("Bootstrapping CareFlow",
		"api_addr", *flags.apiAddr,
		"dsn_set", *flags.dbDSN != "",
		"poll_seconds", *flags.pollSeconds,
		"sweep_schedule", *flags.sweepSchedule)
	if err := server.Run(ctx); err != nil {
		slog.Error("CareFlow failed to run", "error", err)
		os.Exit(1)
	}
	if err := msgService.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	slog.Info("CareFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	SweepSchedule string
	PollSeconds   int
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	sweepSchedule *string
	pollSeconds   *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("CAREFLOW_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
		PollSeconds:   util.ParseIntEnv("STEP_POLL_SECONDS", DefaultPollSeconds),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CAREFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = scheduler.DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"CAREFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SWEEP_SCHEDULE", config.SweepSchedule,
		"STEP_POLL_SECONDS", config.PollSeconds)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for CareFlow data (overrides $CAREFLOW_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sweepSchedule: flag.String("sweep-schedule", config.SweepSchedule, "cron schedule for the inactivity sweep (overrides $SWEEP_SCHEDULE)"),
		pollSeconds:   flag.Int("poll-seconds", config.PollSeconds, "step-runner poll interval in seconds (overrides $STEP_POLL_SECONDS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"sweepSchedule", *flags.sweepSchedule,
		"pollSeconds", *flags.pollSeconds)

	// Follow a moved state directory when the DSN was derived from it
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore opens the storage backend matching the DSN type.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService wires the Twilio SMS client and SMTP email sender.
// Either provider may be absent; sends over a missing channel fail at send
// time rather than at startup.
func buildMessagingService() *messaging.ProviderService {
	var sms twilio.SMSSender
	if client, err := twilio.NewClient(); err != nil {
		slog.Warn("Twilio client not configured, SMS sending disabled", "error", err)
	} else {
		sms = client
	}

	var email messaging.EmailSender
	if sender, err := messaging.NewSMTPSender(); err != nil {
		slog.Warn("SMTP sender not configured, email sending disabled", "error", err)
	} else {
		email = sender
	}

	return messaging.NewProviderService(sms, email)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
