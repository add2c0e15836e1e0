package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type DBPool struct {
	DBDSN                   string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type GatewayConfig struct {
	DBPool
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// sessions
	SessionsDir  string        `envconfig:"SESSIONS_DIR" default:"./sessions"`
	RestartDelay time.Duration `envconfig:"RESTART_DELAY" default:"5s"`

	// official provider (Meta Cloud API)
	CloudAPIBaseURL string  `envconfig:"CLOUDAPI_BASE_URL" default:"https://graph.facebook.com"`
	CloudAPIVersion string  `envconfig:"CLOUDAPI_VERSION" default:"v18.0"`
	CloudAPIRPS     float64 `envconfig:"CLOUDAPI_RPS_PER_INSTANCE" default:"20"`
	CloudAPIBurst   int     `envconfig:"CLOUDAPI_BURST" default:"40"`

	// queues
	SchedulerConcurrency int           `envconfig:"SCHEDULER_CONCURRENCY" default:"5"`
	BroadcastConcurrency int           `envconfig:"BROADCAST_CONCURRENCY" default:"2"`
	WebhookConcurrency   int           `envconfig:"WEBHOOK_CONCURRENCY" default:"10"`
	QueuePollInterval    time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueStaleAfter      time.Duration `envconfig:"QUEUE_STALE_AFTER" default:"15m"`
	BroadcastDelay       time.Duration `envconfig:"BROADCAST_DEFAULT_DELAY" default:"1s"`

	// webhook delivery
	WebhookTimeout      time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"30s"`
	BreakerThreshold    int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerResetTimeout time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"5m"`

	// cron
	HousekeepingSchedule string `envconfig:"HOUSEKEEPING_SCHEDULE" default:"@every 1h"`
	TelemetrySchedule    string `envconfig:"TELEMETRY_SCHEDULE" default:"@every 5m"`
	MemoryWarnMB         uint64 `envconfig:"MEMORY_WARN_MB" default:"1500"`
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Cloud API callback verification
	AppSecret   string `envconfig:"CLOUDAPI_APP_SECRET" required:"true"`
	VerifyToken string `envconfig:"CLOUDAPI_VERIFY_TOKEN" required:"true"`
	MaxBodySize int64  `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	InboundQueueURL    string `envconfig:"INBOUND_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WebhookProcessorConfig struct {
	DBPool
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	InboundQueueURL    string `envconfig:"INBOUND_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	ProcessorConcurrency int `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type MockProviderConfig struct {
	Port        string        `envconfig:"PORT" default:"8080"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	AccessToken string        `envconfig:"MOCK_ACCESS_TOKEN" default:"mock_token"`
	DisplayNum  string        `envconfig:"MOCK_DISPLAY_PHONE_NUMBER" default:"+1 555 0100"`
	OutcomeMode string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64       `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	WeightsRaw  string        `envconfig:"MOCK_FAILURE_WEIGHTS" default:""`
	Delay       time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	// Long enough to trip the caller's request timeout.
	TimeoutDelay time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"40s"`

	// Status callbacks, signed like Meta does, posted after each accepted send.
	CallbackURL     string        `envconfig:"MOCK_CALLBACK_URL" default:""`
	AppSecret       string        `envconfig:"MOCK_APP_SECRET" default:"mock_secret"`
	CallbackDelay   time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"300ms"`
	CallbackRetries int           `envconfig:"MOCK_CALLBACK_MAX_RETRIES" default:"5"`

	// Sink answers with this status; 0 means 200.
	SinkStatus int `envconfig:"MOCK_SINK_STATUS" default:"0"`
	SinkFailN  int `envconfig:"MOCK_SINK_FAIL_FIRST" default:"0"`
}

func LoadGateway() GatewayConfig {
	var cfg GatewayConfig
	process(&cfg)
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	process(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	process(&cfg)
	return cfg
}

func LoadMockProvider() MockProviderConfig {
	var cfg MockProviderConfig
	process(&cfg)
	return cfg
}

func process(cfg any) {
	// .env is optional; real environment wins
	_ = godotenv.Load()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
