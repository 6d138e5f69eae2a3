package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/doylf/neuvero-pulse/internal/actions"
	"github.com/doylf/neuvero-pulse/internal/api"
	"github.com/doylf/neuvero-pulse/internal/catalog"
	"github.com/doylf/neuvero-pulse/internal/engine"
	"github.com/doylf/neuvero-pulse/internal/genai"
	"github.com/doylf/neuvero-pulse/internal/lockfile"
	"github.com/doylf/neuvero-pulse/internal/messaging"
	"github.com/doylf/neuvero-pulse/internal/scheduler"
	"github.com/doylf/neuvero-pulse/internal/store"
	"github.com/doylf/neuvero-pulse/internal/twiliosms"
	"github.com/doylf/neuvero-pulse/internal/util"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for pulse state data
	DefaultStateDir = "/var/lib/pulse"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pulse.db"
	// DefaultTimezone is used for schedule steps when the session has no timezone
	DefaultTimezone = "UTC"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	initializeLogger(flags.logLevel)
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "dsn_type", store.DetectDSNType(flags.dbDSN),
		"flow_dir", flags.flowDir, "api_addr", flags.apiAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping pulse with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("pulse failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("pulse exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	FlowDir           string
	FlowWatch         bool
	OpenAIKey         string
	GenAIBaseURL      string
	GenAIModel        string
	GenAITimeout      time.Duration
	ValidateSignature bool
	PublicURL         string
	AlertAddress      string
	DefaultTimezone   string
	SchedulerInterval time.Duration
	LoopLimit         int
	APIAddr           string
	LogLevel          string
	TwilioAuthToken   string
	TwilioAccountSID  string
	TwilioFromNumber  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir          string
	dbDSN             string
	flowDir           string
	flowWatch         bool
	openaiKey         string
	genaiBaseURL      string
	genaiModel        string
	genaiTimeout      time.Duration
	validateSignature bool
	publicURL         string
	alertAddress      string
	defaultTimezone   string
	schedulerInterval time.Duration
	loopLimit         int
	apiAddr           string
	logLevel          string

	twilioAccountSID string
	twilioAuthToken  string
	twilioFrom       string
}

// initializeLogger installs a text logger at the requested level (default info).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
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
		StateDir:          util.GetEnv("PULSE_STATE_DIR", DefaultStateDir),
		DatabaseURL:       util.GetEnv("DATABASE_URL", ""),
		FlowDir:           util.GetEnv("FLOW_DIR", ""),
		FlowWatch:         util.ParseBoolEnv("FLOW_WATCH", false),
		OpenAIKey:         util.GetEnv("OPENAI_API_KEY", ""),
		GenAIBaseURL:      util.GetEnv("GENAI_BASE_URL", ""),
		GenAIModel:        util.GetEnv("GENAI_MODEL", ""),
		GenAITimeout:      util.ParseDurationEnv("GENAI_TIMEOUT", 0),
		ValidateSignature: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		PublicURL:         util.GetEnv("PUBLIC_URL", ""),
		AlertAddress:      util.GetEnv("ALERT_ADDRESS", ""),
		DefaultTimezone:   util.GetEnv("DEFAULT_TIMEZONE", DefaultTimezone),
		SchedulerInterval: util.ParseDurationEnv("SCHEDULER_INTERVAL", scheduler.DefaultPollInterval),
		LoopLimit:         util.ParseIntEnv("LOOP_LIMIT", engine.DefaultLoopLimit),
		APIAddr:           util.GetEnv("API_ADDR", api.DefaultAddr),
		LogLevel:          util.GetEnv("LOG_LEVEL", "info"),
		TwilioAccountSID:  util.GetEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   util.GetEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:  util.GetEnv("TWILIO_FROM_NUMBER", ""),
	}

	slog.Debug("environment variables loaded",
		"PULSE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FLOW_DIR", config.FlowDir,
		"FLOW_WATCH", config.FlowWatch,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses args with environment defaults. An empty
// database DSN resolves to a SQLite file inside the final state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	var flags Flags
	fset := flag.NewFlagSet("pulse", flag.ContinueOnError)
	fset.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for pulse data (overrides $PULSE_STATE_DIR)")
	fset.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "postgres://, redis:// or SQLite path (overrides $DATABASE_URL)")
	fset.StringVar(&flags.flowDir, "flow-dir", config.FlowDir, "directory of flow modules; empty uses the built-in catalog (overrides $FLOW_DIR)")
	fset.BoolVar(&flags.flowWatch, "flow-watch", config.FlowWatch, "reload flow modules when files change (overrides $FLOW_WATCH)")
	fset.StringVar(&flags.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fset.StringVar(&flags.genaiBaseURL, "genai-base-url", config.GenAIBaseURL, "OpenAI-compatible endpoint (overrides $GENAI_BASE_URL)")
	fset.StringVar(&flags.genaiModel, "genai-model", config.GenAIModel, "model name (overrides $GENAI_MODEL)")
	fset.DurationVar(&flags.genaiTimeout, "genai-timeout", config.GenAITimeout, "per-request AI timeout (overrides $GENAI_TIMEOUT)")
	fset.BoolVar(&flags.validateSignature, "validate-signature", config.ValidateSignature, "verify X-Twilio-Signature on the webhook (overrides $TWILIO_VALIDATE_SIGNATURE)")
	fset.StringVar(&flags.publicURL, "public-url", config.PublicURL, "external base URL Twilio calls (overrides $PUBLIC_URL)")
	fset.StringVar(&flags.alertAddress, "alert-address", config.AlertAddress, "number notified by the alert action (overrides $ALERT_ADDRESS)")
	fset.StringVar(&flags.defaultTimezone, "default-timezone", config.DefaultTimezone, "IANA timezone for schedule steps (overrides $DEFAULT_TIMEZONE)")
	fset.DurationVar(&flags.schedulerInterval, "scheduler-interval", config.SchedulerInterval, "due task poll interval (overrides $SCHEDULER_INTERVAL)")
	fset.IntVar(&flags.loopLimit, "loop-limit", config.LoopLimit, "maximum steps per turn (overrides $LOOP_LIMIT)")
	fset.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fset.StringVar(&flags.logLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")

	if err := fset.Parse(args); err != nil {
		return Flags{}, err
	}

	flags.twilioAccountSID = config.TwilioAccountSID
	flags.twilioAuthToken = config.TwilioAuthToken
	flags.twilioFrom = config.TwilioFromNumber

	if flags.dbDSN == "" {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.dbDSN)
	}
	return flags, nil
}

// run wires the service and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	sms, err := twiliosms.NewClient(buildTwilioOptions(flags)...)
	var client twiliosms.Sender = sms
	if err != nil {
		slog.Warn("Twilio not configured, outbound messages will not be delivered", "error", err)
		client = twiliosms.NewMockClient()
	}
	svc := messaging.NewTwilioService(client)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	registry := actions.NewRegistry()
	actions.RegisterBuiltins(registry, actions.Deps{
		AI:           buildCollaborator(flags),
		Recorder:     st,
		Notifier:     svc,
		AlertAddress: flags.alertAddress,
	})

	cat, _, err := catalog.New(flowSource(flags.flowDir), catalog.WithActionValidator(registry.Known))
	if err != nil {
		return err
	}

	sched := scheduler.New(st, scheduler.WithDefaultLocation(loadLocation(flags.defaultTimezone)))
	eng := engine.New(cat, st, actions.NewDispatcher(registry), sched,
		engine.WithSender(svc), engine.WithLoopLimit(flags.loopLimit))
	server := api.NewServer(eng, st, buildAPIOptions(flags)...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		scheduler.NewRunner(eng.RunDueTasks, flags.schedulerInterval).Run(ctx)
		return nil
	})
	g.Go(func() error {
		messaging.RecordReceipts(ctx, svc, st)
		return nil
	})
	if flags.flowWatch && flags.flowDir != "" {
		watcher := catalog.NewWatcher(cat, flags.flowDir, nil)
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// flowSource returns the flow module directory, or the built-in catalog.
func flowSource(dir string) fs.FS {
	if dir == "" {
		return catalog.DefaultSource()
	}
	return os.DirFS(dir)
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Unknown default timezone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// buildCollaborator returns the AI collaborator. Without an API key every
// generation falls back to canned content.
func buildCollaborator(flags Flags) *genai.Collaborator {
	var prompter genai.Prompter
	if client, err := genai.NewClient(buildGenAIOptions(flags)...); err != nil {
		slog.Warn("GenAI disabled, actions will use fallback content", "error", err)
	} else {
		prompter = client
	}
	return genai.NewCollaborator(prompter, "")
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	if flags.genaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(flags.genaiBaseURL))
	}
	if flags.genaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.genaiModel))
	}
	if flags.genaiTimeout > 0 {
		genaiOpts = append(genaiOpts, genai.WithTimeout(flags.genaiTimeout))
	}
	return genaiOpts
}

// buildTwilioOptions constructs Twilio client options; unset values fall back
// to the client's own environment lookup.
func buildTwilioOptions(flags Flags) []twiliosms.Option {
	var opts []twiliosms.Option
	if flags.twilioAccountSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(flags.twilioAccountSID))
	}
	if flags.twilioAuthToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(flags.twilioAuthToken))
	}
	if flags.twilioFrom != "" {
		opts = append(opts, twiliosms.WithFrom(flags.twilioFrom))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if flags.publicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(flags.publicURL))
	}
	if flags.validateSignature {
		apiOpts = append(apiOpts, api.WithSignatureValidation(flags.twilioAuthToken))
	}
	return apiOpts
}
