package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int
	Migrate  bool // apply embedded schema on startup
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, stats endpoint for the queue monitor
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	ReadyTopic     string // wake-up topic published after enqueue
	DLQTopic       string // abandoned task envelopes
	WorkerChannel  string // ephemeral per-process channel prefix for wake-ups
	MonitorChannel string // durable channel the queue-monitor reads the DLQ from
}

type Redis struct {
	Addr         string
	Password     string
	DB           int
	ReadyChannel string
	DLQChannel   string
}

// Notify selects the wake-up/dead-letter bus: nsq, redis or none
type Notify struct {
	Backend string
}

type Dispatcher struct {
	Workers           int             // dispatcher loops per worker process
	MaxAttempts       int             // total executions before a task is abandoned
	BackoffStrategy   string          // polynomial, exponential or schedule
	BackoffBase       time.Duration   // exponential base
	BackoffMultiplier float64         // exponential multiplier
	BackoffSchedule   []time.Duration // explicit schedule, used by the schedule strategy
	BackoffCap        time.Duration   // 0 means uncapped
	JitterPercent     float64         // backoff jitter percentage (0.0-1.0)
	IdleMin           time.Duration   // first idle sleep when the queue is empty
	IdleMax           time.Duration   // idle sleep cap
	ExecTimeout       time.Duration   // per-attempt executor deadline
	ClaimLease        time.Duration   // exclusive claim window; 0 derives it from ExecTimeout
	TenantScope       string          // restrict DequeueNext to one tenant; empty means global
	PublishDLQ        bool            // publish abandoned tasks to the dead-letter bus
	HTTPPort          string          // worker metrics/health port
}

type Webhook struct {
	EventHeader     string
	DeliveryHeader  string
	SignatureHeader string
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
}

type Tenants struct {
	Source string // postgres or file
	File   string // YAML tenant file for the file source
}

type Auth struct {
	PublicKeyPath string
	Issuer        string
	Audience      string
}

type Executor struct {
	Command         string        // check command run inside the working copy
	WorkDir         string        // root for per-tenant working copies
	GitHubBaseURL   string        // API base override (GitHub Enterprise, tests)
	CloneBaseURL    string        // clone URL prefix, e.g. https://github.com/
	CommandTimeout  time.Duration // wall-clock limit for the check command
	OutputTailBytes int           // bytes of command output kept in quality_failures
}

type Monitor struct {
	Interval time.Duration
	HTTPPort string
}

type Config struct {
	AppName    string
	HTTPPort   string // :8080
	GRPCPort   string // :50051
	DB         DB
	NSQ        NSQ
	Redis      Redis
	Notify     Notify
	Dispatcher Dispatcher
	Webhook    Webhook
	Tenants    Tenants
	Auth       Auth
	Executor   Executor
	Monitor    Monitor
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBackoffSchedule reads a comma separated list of durations.
// Unparseable entries are skipped; an empty result returns nil.
func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return nil
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return nil
	}

	return durations
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "hookloop"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "hookloop"),
			MaxConns: getenvInt("DB_MAX_CONNS", 10),
			Migrate:  getenvBool("DB_MIGRATE", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			ReadyTopic:     getenv("NSQ_READY_TOPIC", "tasks_ready"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers-"+hostname()),
			MonitorChannel: getenv("NSQ_MONITOR_CHANNEL", "queue-monitor"),
		},
		Redis: Redis{
			Addr:         getenv("REDIS_ADDR", "redis:6379"),
			Password:     getenv("REDIS_PASSWORD", ""),
			DB:           getenvInt("REDIS_DB", 0),
			ReadyChannel: getenv("REDIS_READY_CHANNEL", "hookloop:tasks_ready"),
			DLQChannel:   getenv("REDIS_DLQ_CHANNEL", "hookloop:tasks_dlq"),
		},
		Notify: Notify{
			Backend: strings.ToLower(getenv("NOTIFY_BACKEND", "nsq")),
		},
		Dispatcher: Dispatcher{
			Workers:           getenvInt("WORKERS", 4),
			MaxAttempts:       getenvInt("MAX_ATTEMPTS", 7),
			BackoffStrategy:   strings.ToLower(getenv("BACKOFF_STRATEGY", "polynomial")),
			BackoffBase:       getenvDuration("BACKOFF_BASE", 3*time.Second),
			BackoffMultiplier: getenvFloat("BACKOFF_MULTIPLIER", 6),
			BackoffSchedule:   parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			BackoffCap:        getenvDuration("BACKOFF_CAP", 0),
			JitterPercent:     getenvFloat("BACKOFF_JITTER_PCT", 0),
			IdleMin:           getenvDuration("IDLE_BACKOFF_MIN", 250*time.Millisecond),
			IdleMax:           getenvDuration("IDLE_BACKOFF_MAX", 5*time.Second),
			ExecTimeout:       getenvDuration("EXEC_TIMEOUT", 30*time.Minute),
			ClaimLease:        getenvDuration("CLAIM_LEASE", 0),
			TenantScope:       getenv("DISPATCH_TENANT", ""),
			PublishDLQ:        getenvBool("PUBLISH_DLQ_TOPIC", true),
			HTTPPort:          ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Webhook: Webhook{
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-GitHub-Event"),
			DeliveryHeader:  getenv("WEBHOOK_DELIVERY_HEADER", "X-GitHub-Delivery"),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Hub-Signature-256"),
			MaxBodyBytes:    getenvInt64("WEBHOOK_MAX_BODY_BYTES", 25<<20),
			RequestTimeout:  getenvDuration("WEBHOOK_REQUEST_TIMEOUT", 5*time.Second),
		},
		Tenants: Tenants{
			Source: strings.ToLower(getenv("TENANTS_SOURCE", "postgres")),
			File:   getenv("TENANTS_FILE", "tenants.yaml"),
		},
		Auth: Auth{
			PublicKeyPath: getenv("JWT_PUBLIC_KEY_PATH", ""),
			Issuer:        getenv("JWT_ISSUER", "hookloop"),
			Audience:      getenv("JWT_AUDIENCE", "hookloop-status"),
		},
		Executor: Executor{
			Command:         getenv("EXECUTOR_COMMAND", "make check"),
			WorkDir:         getenv("EXECUTOR_WORKDIR", os.TempDir()+"/hookloop"),
			GitHubBaseURL:   getenv("GITHUB_API_URL", ""),
			CloneBaseURL:    getenv("GITHUB_CLONE_URL", "https://github.com/"),
			CommandTimeout:  getenvDuration("EXECUTOR_COMMAND_TIMEOUT", 20*time.Minute),
			OutputTailBytes: getenvInt("EXECUTOR_OUTPUT_TAIL_BYTES", 8192),
		},
		Monitor: Monitor{
			Interval: getenvDuration("MONITOR_INTERVAL", 15*time.Second),
			HTTPPort: ":" + getenv("MONITOR_HTTP_PORT", "8084"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
