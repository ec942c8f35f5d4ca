package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/camerpulse/pulsepipe/internal/api"
	"github.com/camerpulse/pulsepipe/internal/channel"
	"github.com/camerpulse/pulsepipe/internal/config"
	"github.com/camerpulse/pulsepipe/internal/dispatch"
	"github.com/camerpulse/pulsepipe/internal/distlock"
	"github.com/camerpulse/pulsepipe/internal/lockfile"
	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/scheduler"
	"github.com/camerpulse/pulsepipe/internal/sentiment"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/stream"
	"github.com/camerpulse/pulsepipe/internal/twilio"
	"github.com/camerpulse/pulsepipe/internal/util"
	"github.com/camerpulse/pulsepipe/internal/whatsapp"
	"github.com/camerpulse/pulsepipe/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PulsePipe state data
	DefaultStateDir = "/var/lib/pulsepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pulsepipe.db"
	// DefaultSweepCron fires the escalation sweep every five minutes
	DefaultSweepCron = "*/5 * * * *"
	// DefaultJobPollInterval is how often the durable job runner polls for due jobs
	DefaultJobPollInterval = 5 * time.Second
	// DefaultSweepLockTTL bounds how long a crashed sweep can hold the Redis lock
	DefaultSweepLockTTL = 2 * time.Minute
	// DefaultJobTimeout bounds a single delayed delivery or sentiment scoring job
	DefaultJobTimeout = 2 * time.Minute
)

func main() {
	envCfg := loadEnvironmentConfig()
	initializeLogger(envCfg.LogLevel)

	flags, err := parseCommandLineFlags(envCfg, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PulsePipe")
	slog.Debug("Final configuration", "state_dir", flags.StateDir, "dsn_set", flags.DatabaseDSN != "", "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("PulsePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PulsePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseDSN      string
	APIAddr          string
	ChannelsConfig   string
	RedisURL         string
	SweepCron        string
	JobPollInterval  time.Duration
	AdapterTimeout   time.Duration
	OpenAIKey        string
	SentimentModel   string
	AWSRegion        string
	AWSAccessKey     string
	AWSSecretKey     string
	SESFromAddress   string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWhatsApp   string
	WhatsAppDBDSN    string
	EmailAllowUnmap  bool
	LenientOperators bool
	LogLevel         string
}

// Flags holds the resolved settings after command line flags are applied over the environment
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
}

// initializeLogger installs a text slog handler on stdout at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetEnvDefault("PULSEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		APIAddr:          util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		ChannelsConfig:   os.Getenv("CHANNELS_CONFIG"),
		RedisURL:         os.Getenv("REDIS_URL"),
		SweepCron:        DefaultSweepCron,
		JobPollInterval:  util.ParseDurationEnv("JOB_POLL_INTERVAL", DefaultJobPollInterval),
		AdapterTimeout:   util.ParseDurationEnv("ADAPTER_TIMEOUT", dispatch.DefaultAdapterTimeout),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		SentimentModel:   os.Getenv("SENTIMENT_MODEL"),
		AWSRegion:        os.Getenv("AWS_REGION"),
		AWSAccessKey:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SESFromAddress:   os.Getenv("SES_FROM_ADDRESS"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWhatsApp:   os.Getenv("TWILIO_WHATSAPP_FROM"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		EmailAllowUnmap:  util.ParseBoolEnv("EMAIL_ALLOW_UNMAPPED", false),
		LenientOperators: util.ParseBoolEnv("WORKFLOW_LENIENT_OPERATORS", false),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}
	// An explicitly empty ESCALATION_SWEEP_CRON disables the in-process sweep.
	if v, ok := os.LookupEnv("ESCALATION_SWEEP_CRON"); ok {
		config.SweepCron = v
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"PULSEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"API_ADDR", config.APIAddr,
		"CHANNELS_CONFIG", config.ChannelsConfig,
		"REDIS_URL_SET", config.RedisURL != "",
		"ESCALATION_SWEEP_CRON", config.SweepCron,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SES_FROM_ADDRESS", util.RedactEmail(config.SESFromAddress),
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("PulsePipe", flag.ContinueOnError)
	flags := Flags{Config: config}

	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for PulsePipe data (overrides $PULSEPIPE_STATE_DIR)")
	fs.StringVar(&flags.DatabaseDSN, "db-dsn", config.DatabaseDSN, "Postgres URL or SQLite path (overrides $DATABASE_DSN)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.ChannelsConfig, "channels-config", config.ChannelsConfig, "YAML channel configuration (overrides $CHANNELS_CONFIG)")
	fs.StringVar(&flags.RedisURL, "redis-url", config.RedisURL, "Redis URL for the escalation sweep lock (overrides $REDIS_URL)")
	fs.StringVar(&flags.SweepCron, "sweep-cron", config.SweepCron, "cron expression of the escalation sweep, empty disables it (overrides $ESCALATION_SWEEP_CRON)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for sentiment scoring (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database, enables direct WhatsApp (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.NumericCode, "numeric-code", false, "use numeric WhatsApp login code instead of QR code")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Keep the default SQLite file inside an overridden state directory
	if flags.DatabaseDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && flags.StateDir != config.StateDir {
		flags.DatabaseDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DatabaseDSN != "",
		"apiAddr", flags.APIAddr,
		"sweepCron", flags.SweepCron,
		"redisURL_set", flags.RedisURL != "",
		"openaiKeySet", flags.OpenAIKey != "")
	return flags, nil
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	chanCfg, err := config.Load(flags.ChannelsConfig)
	if err != nil {
		return err
	}

	if store.DetectDSNType(flags.DatabaseDSN) != "postgres" {
		lock, err := lockfile.AcquireLock(flags.StateDir, flags.APIAddr)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(flags.DatabaseDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	adapters, cleanup, err := buildAdapters(ctx, st, flags, chanCfg)
	if err != nil {
		return err
	}
	defer cleanup()

	jobs := store.NewJobRunner(st, flags.JobPollInterval, store.WithJobTimeout(DefaultJobTimeout))

	dispatcher := dispatch.NewDispatcher(st, adapters, dispatch.WithAdapterTimeout(flags.AdapterTimeout))
	dispatcher.RegisterJobs(jobs)

	classifier := stream.NewClassifier(st, buildClassifierOptions(st, jobs, flags)...)

	redisClient, err := buildRedisClient(flags.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	var pgDB *sql.DB
	if pg, ok := st.(*store.PostgresStore); ok {
		pgDB = pg.DB()
	}

	engine := workflow.NewEngine(st,
		workflow.WithNotifier(channel.NewInAppAdapter(st)),
		workflow.WithLockFactory(distlock.NewFactory(redisClient, pgDB, workflow.SweepLockKey, DefaultSweepLockTTL)),
		workflow.WithLenientOperators(flags.LenientOperators),
		workflow.WithEscalationMessage(chanCfg.Escalation.Title, chanCfg.Escalation.Message),
	)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if flags.SweepCron != "" {
		if err := sched.AddTask("escalation-sweep", flags.SweepCron, sweepTask(engine)); err != nil {
			return err
		}
	} else {
		slog.Info("In-process escalation sweep disabled; rely on the workflow processor endpoint")
	}

	if err := jobs.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}
	go jobs.Run(ctx)

	server := api.NewServer(st, dispatcher, engine, classifier, api.WithAddr(flags.APIAddr))
	return server.Run(ctx)
}

func sweepTask(engine *workflow.Engine) scheduler.Task {
	return func(ctx context.Context) error {
		res, err := engine.ProcessEscalations(ctx)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			slog.Warn("Escalation sweep finished with errors", "escalated", res.Escalated, "errors", len(res.Errors))
		}
		return nil
	}
}

// buildAdapters creates one adapter per channel from the configured providers.
// The returned cleanup disconnects long-lived provider clients.
func buildAdapters(ctx context.Context, st store.Store, flags Flags, chanCfg *config.Config) (channel.Registry, func(), error) {
	cleanup := func() {}

	var emailSender channel.EmailSender = channel.LogSender{}
	from := chanCfg.Email.From
	if flags.SESFromAddress != "" {
		from = flags.SESFromAddress
	}
	if from != "" && (flags.AWSRegion != "" || flags.AWSAccessKey != "") {
		ses, err := channel.NewSESSender(ctx, channel.SESOpts{
			Region:    flags.AWSRegion,
			AccessKey: flags.AWSAccessKey,
			SecretKey: flags.AWSSecretKey,
			From:      from,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to configure SES: %w", err)
		}
		emailSender = ses
	} else {
		slog.Info("SES not configured, email deliveries are logged only")
	}
	email := channel.NewEmailAdapter(st, emailSender,
		channel.WithEmailRoutes(chanCfg.EmailRoutes()),
		channel.WithAllowUnmapped(chanCfg.Email.AllowUnmapped || flags.EmailAllowUnmap),
		channel.WithFromAddress(from),
	)

	// Interface values stay untyped nil when a provider is absent.
	var smsSender channel.SMSSender
	var twWhatsApp channel.WhatsAppSender
	if flags.TwilioAccountSID != "" {
		tw, err := twilio.NewClient(
			twilio.WithAccountSID(flags.TwilioAccountSID),
			twilio.WithAuthToken(flags.TwilioAuthToken),
			twilio.WithFromNumber(flags.TwilioFromNumber),
			twilio.WithWhatsAppFrom(flags.TwilioWhatsApp),
		)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to configure Twilio: %w", err)
		}
		if tw.CanSendSMS() {
			smsSender = tw
		}
		if tw.CanSendWhatsApp() {
			twWhatsApp = tw
		}
	}

	var direct whatsapp.Sender
	if flags.WhatsAppDBDSN != "" {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.WhatsAppDBDSN)}
		if flags.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.QROutput))
		}
		if flags.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		wa, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to start WhatsApp client: %w", err)
		}
		direct = wa
		cleanup = wa.Disconnect
	}

	return channel.Registry{
		models.ChannelEmail:    email,
		models.ChannelInApp:    channel.NewInAppAdapter(st),
		models.ChannelPush:     channel.PushAdapter{},
		models.ChannelSMS:      channel.NewSMSAdapter(st, smsSender),
		models.ChannelWhatsApp: channel.NewWhatsAppAdapter(st, direct, twWhatsApp),
	}, cleanup, nil
}

// buildClassifierOptions enables asynchronous sentiment scoring when an OpenAI key is configured.
func buildClassifierOptions(st store.Store, jobs *store.JobRunner, flags Flags) []stream.Option {
	if flags.OpenAIKey == "" {
		slog.Info("OPENAI_API_KEY not set, sentiment scoring disabled")
		return nil
	}
	scorerOpts := []sentiment.Option{sentiment.WithAPIKey(flags.OpenAIKey)}
	if flags.SentimentModel != "" {
		scorerOpts = append(scorerOpts, sentiment.WithModel(flags.SentimentModel))
	}
	scorer, err := sentiment.NewOpenAIScorer(scorerOpts...)
	if err != nil {
		slog.Warn("Sentiment scoring disabled", "error", err)
		return nil
	}
	sentiment.NewHandler(scorer, st).Register(jobs)
	return []stream.Option{stream.WithSentimentRequester(sentiment.NewJobRequester(st))}
}

// buildRedisClient connects to REDIS_URL. An empty URL returns a nil client.
func buildRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
