package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/trihai306/agentphone/internal/api"
	"github.com/trihai306/agentphone/internal/assigner"
	"github.com/trihai306/agentphone/internal/dispatch"
	"github.com/trihai306/agentphone/internal/lockfile"
	"github.com/trihai306/agentphone/internal/presence"
	"github.com/trihai306/agentphone/internal/scheduler"
	"github.com/trihai306/agentphone/internal/store"
	"github.com/trihai306/agentphone/internal/transport"
	"github.com/trihai306/agentphone/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for agentphone state data
	DefaultStateDir = "/var/lib/agentphone"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "agentphone.db"
	// DefaultSyncSchedule reconciles presence into the database every 30 seconds
	DefaultSyncSchedule = "*/30 * * * * *"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("agentphone failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("agentphone exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	APIAddr       string
	PresenceTTL   time.Duration
	SyncSchedule  string
	DispatchPoll  time.Duration
	ClaimLimit    int
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	redisAddr     *string
	redisPassword *string
	redisDB       *int
	apiAddr       *string
	presenceTTL   *time.Duration
	syncSchedule  *string
	dispatchPoll  *time.Duration
	claimLimit    *int
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
		StateDir:      os.Getenv("AGENTPHONE_STATE_DIR"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       util.ParseIntEnv("REDIS_DB", 0),
		APIAddr:       os.Getenv("API_ADDR"),
		PresenceTTL:   util.ParseDurationEnv("PRESENCE_TTL", presence.DefaultTTL),
		SyncSchedule:  os.Getenv("SYNC_SCHEDULE"),
		DispatchPoll:  util.ParseDurationEnv("DISPATCH_POLL", dispatch.DefaultPollInterval),
		ClaimLimit:    util.ParseIntEnv("DISPATCH_CLAIM_LIMIT", dispatch.DefaultClaimLimit),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No AGENTPHONE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SyncSchedule == "" {
		config.SyncSchedule = DefaultSyncSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AGENTPHONE_STATE_DIR", config.StateDir,
		"REDIS_ADDR", config.RedisAddr,
		"REDIS_DB", config.RedisDB,
		"API_ADDR", config.APIAddr,
		"PRESENCE_TTL", config.PresenceTTL,
		"SYNC_SCHEDULE", config.SyncSchedule,
		"DISPATCH_POLL", config.DispatchPoll)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for agentphone data (overrides $AGENTPHONE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		redisAddr:     flag.String("redis-addr", config.RedisAddr, "Redis address for presence tracking (overrides $REDIS_ADDR)"),
		redisPassword: flag.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:       flag.Int("redis-db", config.RedisDB, "Redis database index (overrides $REDIS_DB)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		presenceTTL:   flag.Duration("presence-ttl", config.PresenceTTL, "device presence expiry (overrides $PRESENCE_TTL)"),
		syncSchedule:  flag.String("sync-schedule", config.SyncSchedule, "cron schedule for presence database reconciliation (overrides $SYNC_SCHEDULE)"),
		dispatchPoll:  flag.Duration("dispatch-poll", config.DispatchPoll, "interval between due-job polls (overrides $DISPATCH_POLL)"),
		claimLimit:    flag.Int("claim-limit", config.ClaimLimit, "maximum jobs claimed per poll (overrides $DISPATCH_CLAIM_LIMIT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"apiAddr", *flags.apiAddr,
		"presenceTTL", *flags.presenceTTL,
		"syncSchedule", *flags.syncSchedule,
		"dispatchPoll", *flags.dispatchPoll,
		"claimLimit", *flags.claimLimit)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore constructs the backing store from the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildPresenceClient picks Redis when configured, in-memory otherwise.
func buildPresenceClient(ctx context.Context, flags Flags) (presence.Client, error) {
	if *flags.redisAddr != "" {
		return presence.NewRedisClient(ctx, *flags.redisAddr, *flags.redisPassword, *flags.redisDB)
	}
	slog.Warn("No REDIS_ADDR configured, using in-process presence store; state is lost on restart")
	return presence.NewMemoryClient(), nil
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Two instances over one state directory would double-dispatch jobs.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := buildPresenceClient(ctx, flags)
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(client, st, presence.WithTTL(*flags.presenceTTL))
	gateway := transport.NewGateway(tracker)
	dispatcher := dispatch.NewDispatcher(st, tracker, gateway)
	asn := assigner.NewAssigner(st)

	runner := dispatch.NewRunner(st, dispatcher,
		dispatch.WithPollInterval(*flags.dispatchPoll),
		dispatch.WithClaimLimit(*flags.claimLimit))
	go runner.Run(ctx)

	// Presence reconciliation runs single-flight; a slow pass skips the
	// next tick instead of stacking.
	sched := scheduler.NewScheduler()
	var syncMu sync.Mutex
	if err := sched.AddJob(*flags.syncSchedule, func() {
		if !syncMu.TryLock() {
			slog.Debug("Presence sync still running, skipping tick")
			return
		}
		defer syncMu.Unlock()
		if err := tracker.SyncToDatabase(ctx); err != nil {
			slog.Error("Presence sync failed", "error", err)
		}
	}); err != nil {
		return err
	}
	defer sched.Stop()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, asn, dispatcher, tracker, gateway, apiOpts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	slog.Info("agentphone running", "api_addr", *flags.apiAddr, "sync_schedule", *flags.syncSchedule)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
