package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/DineFlow/internal/api"
	"github.com/BTreeMap/DineFlow/internal/dispatch"
	"github.com/BTreeMap/DineFlow/internal/flowcrypto"
	"github.com/BTreeMap/DineFlow/internal/lockfile"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/BTreeMap/DineFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/DineFlow/internal/util"
	"github.com/BTreeMap/DineFlow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DineFlow state data
	DefaultStateDir = "/var/lib/dineflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dineflow.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	lock, err := acquireStateLock(flags)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	apiOpts, err := buildAPIOptions(config, flags)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		lock.Release()
		os.Exit(1)
	}

	slog.Info("Bootstrapping DineFlow with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "dsn_set", flags.dbDSN != "", "api_addr", flags.apiAddr, "messaging", flags.messaging)
	if err := api.Run(apiOpts...); err != nil {
		slog.Error("DineFlow failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("DineFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir            string
	DatabaseURL         string
	RedisURL            string
	APIAddr             string
	FlowPrivateKey      string
	FlowPrivateKeyFile  string
	PageSize            int
	DispatchConcurrency int
	DispatchRateLimit   int
	DispatchRateWindow  time.Duration
	DispatchRetries     int
	DeadLetters         bool
	MessagingDriver     string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	TwilioWebhookURL    string
	WhatsAppDSN         string
	WhatsAppLogin       time.Duration
	CatalogSeed         string
	DefaultCurrency     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir            string
	dbDSN               string
	redisURL            string
	apiAddr             string
	flowKeyFile         string
	pageSize            int
	dispatchConcurrency int
	dispatchRate        int
	dispatchWindow      time.Duration
	dispatchRetries     int
	deadLetters         bool
	messaging           string
	whatsAppDSN         string
	qrOutput            string
	numeric             bool
	loginTimeout        time.Duration
	catalogSeed         string
}

// initializeLogger installs a text handler on stdout. The level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if strings.TrimSpace(level) == "" || l.UnmarshalText([]byte(strings.TrimSpace(level))) != nil {
		return slog.LevelDebug
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            util.GetEnvOrDefault("DINEFLOW_STATE_DIR", DefaultStateDir),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		APIAddr:             util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		FlowPrivateKey:      os.Getenv("FLOW_PRIVATE_KEY"),
		FlowPrivateKeyFile:  os.Getenv("FLOW_PRIVATE_KEY_FILE"),
		PageSize:            util.ParseIntEnv("FLOW_PAGE_SIZE", 10),
		DispatchConcurrency: util.ParseIntEnv("DISPATCH_CONCURRENCY", dispatch.DefaultConcurrency),
		DispatchRateLimit:   util.ParseIntEnv("DISPATCH_RATE_LIMIT", dispatch.DefaultRateLimit),
		DispatchRateWindow:  util.ParseDurationEnv("DISPATCH_RATE_WINDOW", dispatch.DefaultRateWindow),
		DispatchRetries:     util.ParseIntEnv("DISPATCH_RETRIES", dispatch.DefaultRetries),
		DeadLetters:         util.ParseBoolEnv("DISPATCH_DEAD_LETTERS", false),
		MessagingDriver:     util.GetEnvOrDefault("MESSAGING_DRIVER", api.DriverLog),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppDSN:         os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppLogin:       util.ParseDurationEnv("WHATSAPP_LOGIN_TIMEOUT", whatsapp.DefaultLoginTimeout),
		CatalogSeed:         os.Getenv("CATALOG_SEED"),
		DefaultCurrency:     util.GetEnvOrDefault("MOMO_DEFAULT_CURRENCY", "RWF"),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = whatsAppDSNFor(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DINEFLOW_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"API_ADDR", config.APIAddr,
		"FLOW_PRIVATE_KEY_SET", config.FlowPrivateKey != "",
		"FLOW_PRIVATE_KEY_FILE", config.FlowPrivateKeyFile,
		"MESSAGING_DRIVER", config.MessagingDriver,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"TWILIO_WEBHOOK_URL", config.TwilioWebhookURL,
		"CATALOG_SEED", config.CatalogSeed)

	return config
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment defaults. File DSNs
// that were derived from the state directory follow a -state-dir override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for DineFlow data (overrides $DINEFLOW_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&f.redisURL, "redis-url", config.RedisURL, "Redis URL for conversation state (overrides $REDIS_URL)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.flowKeyFile, "flow-key-file", config.FlowPrivateKeyFile, "flow private key PEM file (overrides $FLOW_PRIVATE_KEY_FILE)")
	fs.IntVar(&f.pageSize, "page-size", config.PageSize, "flow list page size (overrides $FLOW_PAGE_SIZE)")
	fs.IntVar(&f.dispatchConcurrency, "dispatch-concurrency", config.DispatchConcurrency, "in-flight notification sends (overrides $DISPATCH_CONCURRENCY)")
	fs.IntVar(&f.dispatchRate, "dispatch-rate", config.DispatchRateLimit, "notification sends per window (overrides $DISPATCH_RATE_LIMIT)")
	fs.DurationVar(&f.dispatchWindow, "dispatch-window", config.DispatchRateWindow, "notification rate window (overrides $DISPATCH_RATE_WINDOW)")
	fs.IntVar(&f.dispatchRetries, "dispatch-retries", config.DispatchRetries, "retries per notification (overrides $DISPATCH_RETRIES)")
	fs.BoolVar(&f.deadLetters, "dead-letters", config.DeadLetters, "persist notifications that exhausted retries (overrides $DISPATCH_DEAD_LETTERS)")
	fs.StringVar(&f.messaging, "messaging", config.MessagingDriver, "messaging driver: twilio, whatsapp or log (overrides $MESSAGING_DRIVER)")
	fs.StringVar(&f.whatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	fs.DurationVar(&f.loginTimeout, "whatsapp-login-timeout", config.WhatsAppLogin, "how long to wait for WhatsApp pairing (overrides $WHATSAPP_LOGIN_TIMEOUT)")
	fs.StringVar(&f.catalogSeed, "catalog-seed", config.CatalogSeed, "YAML catalog to upsert at startup (overrides $CATALOG_SEED)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if f.stateDir != config.StateDir {
		if f.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			f.dbDSN = filepath.Join(f.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", f.stateDir)
		}
		if f.whatsAppDSN == whatsAppDSNFor(config.StateDir) {
			f.whatsAppDSN = whatsAppDSNFor(f.stateDir)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", f.stateDir,
		"dbDSN_set", f.dbDSN != "",
		"redisURL_set", f.redisURL != "",
		"apiAddr", f.apiAddr,
		"pageSize", f.pageSize,
		"messaging", f.messaging,
		"deadLetters", f.deadLetters)
	return f, nil
}

// acquireStateLock locks the state directory when the store lives in it.
// A nil lock is returned for PostgreSQL deployments.
func acquireStateLock(flags Flags) (*lockfile.Lock, error) {
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("PostgreSQL store configured, skipping state directory lock")
		return nil, nil
	}
	return lockfile.Acquire(flags.stateDir, flags.apiAddr)
}

// flowKeyLoader picks the private key source: the file flag wins over the
// inline variable. Nil means no key is configured.
func flowKeyLoader(config Config, flags Flags) flowcrypto.KeyLoader {
	switch {
	case flags.flowKeyFile != "":
		return flowcrypto.PEMFromFile(flags.flowKeyFile)
	case config.FlowPrivateKey != "":
		return flowcrypto.PEMFromValue(config.FlowPrivateKey)
	}
	return nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) ([]api.Option, error) {
	switch flags.messaging {
	case api.DriverLog, api.DriverTwilio, api.DriverWhatsApp:
	default:
		return nil, fmt.Errorf("unknown messaging driver %q", flags.messaging)
	}
	if flags.pageSize <= 0 {
		return nil, errors.New("page size must be positive")
	}

	opts := []api.Option{
		api.WithAddr(flags.apiAddr),
		api.WithDBDSN(flags.dbDSN),
		api.WithPageSize(flags.pageSize),
		api.WithMessagingDriver(flags.messaging),
		api.WithDefaultCurrency(config.DefaultCurrency),
		api.WithDeadLetters(flags.deadLetters),
		api.WithDispatchOptions(buildDispatchOptions(flags)...),
	}
	if flags.redisURL != "" {
		opts = append(opts, api.WithRedisURL(flags.redisURL))
	}
	if loader := flowKeyLoader(config, flags); loader != nil {
		opts = append(opts, api.WithFlowKey(loader))
	}
	if flags.catalogSeed != "" {
		opts = append(opts, api.WithCatalogSeed(flags.catalogSeed))
	}
	switch flags.messaging {
	case api.DriverTwilio:
		opts = append(opts, api.WithTwilioOptions(buildTwilioOptions(config)...))
		if config.TwilioWebhookURL != "" {
			opts = append(opts, api.WithTwilioWebhookURL(config.TwilioWebhookURL))
		}
	case api.DriverWhatsApp:
		opts = append(opts, api.WithWhatsAppOptions(buildWhatsAppOptions(flags)...))
	}
	return opts, nil
}

// buildDispatchOptions constructs notification dispatcher options
func buildDispatchOptions(flags Flags) []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithConcurrency(flags.dispatchConcurrency),
		dispatch.WithRateLimit(flags.dispatchRate, flags.dispatchWindow),
		dispatch.WithRetries(flags.dispatchRetries),
	}
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.whatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.whatsAppDSN))
	}
	if flags.loginTimeout > 0 {
		waOpts = append(waOpts, whatsapp.WithLoginTimeout(flags.loginTimeout))
	}
	return waOpts
}
