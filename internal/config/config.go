package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // NSQ topic carrying upstream domain events
	Channel        string // NSQ channel name for the dispatcher
}

type Dispatch struct {
	MaxInFlight     int             // cap on concurrent delivery tasks per process
	BackoffSchedule []time.Duration // retry backoff durations, indexed by completed attempts
	RetryPoll       time.Duration   // how often the due-retry poller scans the store
	RetryPollBatch  int             // max due deliveries claimed per poll
	SubCacheTTL     time.Duration   // subscription registry cache staleness bound
	UserAgent       string          // stable User-Agent on outbound webhooks
	MaxResponseBody int             // bytes of subscriber response body retained per attempt
}

type API struct {
	JWTSecret string // HS256 shared secret for operator API tokens
	JWTRole   string // required role claim
}

type Housekeeping struct {
	Retention time.Duration // age past which terminal deliveries are purged
	Interval  time.Duration // how often the purge runs
}

type FakeReceiver struct {
	FailFirstN      int           // number of requests to fail initially
	EndpointSecret  string        // secret for webhook signature verification
	ResponseDelayMS int           // simulated response delay in milliseconds
	Port            string        // server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	DB           DB
	NSQ          NSQ
	Dispatch     Dispatch
	API          API
	Housekeeping Housekeeping
	FakeReceiver FakeReceiver
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

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// defaultBackoff is the delivery retry contract: 1s, 5s, 30s, with the last
// entry reused for any attempt beyond the table.
var defaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff
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
		// Fallback to default if parsing failed
		return defaultBackoff
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "hookd"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "gestagent"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "events"),
			Channel:        getenv("NSQ_CHANNEL", "hookd"),
		},
		Dispatch: Dispatch{
			MaxInFlight:     getenvInt("DISPATCH_MAX_IN_FLIGHT", 64),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			RetryPoll:       getenvDuration("RETRY_POLL_INTERVAL", 500*time.Millisecond),
			RetryPollBatch:  getenvInt("RETRY_POLL_BATCH", 100),
			SubCacheTTL:     getenvDuration("SUBSCRIPTION_CACHE_TTL", 30*time.Second),
			UserAgent:       getenv("WEBHOOK_USER_AGENT", "GestAgent-Webhooks/1.0"),
			MaxResponseBody: getenvInt("MAX_RESPONSE_BODY_BYTES", 4096),
		},
		API: API{
			JWTSecret: getenv("API_JWT_SECRET", ""),
			JWTRole:   getenv("API_JWT_ROLE", "provider_api"),
		},
		Housekeeping: Housekeeping{
			Retention: getenvDuration("DELIVERY_RETENTION", 30*24*time.Hour),
			Interval:  getenvDuration("PURGE_INTERVAL", time.Hour),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
