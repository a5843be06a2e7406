// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Hostname           string
	Addr               string
	Port               string
	HTTPS              bool
	PrettyLog          bool
	PublishBlocks      bool
	Debug              bool
	RestrictedMode     bool // allow-list mode
	ValidateSignatures bool
	DatabaseURL        string
	APIToken           string
	TLSKey             string
	TLSCert            string
	FooterBlurb        string
	LocalDomains       []string
	LocalBlurb         string
	ClientTimeout      time.Duration
	SignatureThreads   int
	DeliverWorkers     int
	ApubWorkers        int
	LastOnlineFlush    time.Duration
	StaticDir          string

	// Recognized for compatibility with existing deployments; the wiring for
	// these integrations lives outside this binary.
	OpenTelemetryURL    string
	TelegramToken       string
	TelegramAdminHandle string
	PrometheusAddr      string
}

// Load reads configuration from environment variables. Exits when HOSTNAME is
// missing: the relay cannot mint actor or activity IRIs without it.
func Load() *Config {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		fmt.Fprintln(os.Stderr, "ERROR: HOSTNAME is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the public hostname of this relay, e.g. relay.example.com")
		os.Exit(1)
	}

	return &Config{
		Hostname:           hostname,
		Addr:               getEnv("ADDR", "0.0.0.0"),
		Port:               getEnv("PORT", "8080"),
		HTTPS:              parseBool(os.Getenv("HTTPS"), true),
		PrettyLog:          parseBool(os.Getenv("PRETTY_LOG"), false),
		PublishBlocks:      parseBool(os.Getenv("PUBLISH_BLOCKS"), false),
		Debug:              parseBool(os.Getenv("DEBUG"), false),
		RestrictedMode:     parseBool(os.Getenv("RESTRICTED_MODE"), false),
		ValidateSignatures: parseBool(os.Getenv("VALIDATE_SIGNATURES"), true),
		DatabaseURL:        getEnv("DATABASE_URL", "relay.db"),
		APIToken:           os.Getenv("API_TOKEN"),
		TLSKey:             os.Getenv("TLS_KEY"),
		TLSCert:            os.Getenv("TLS_CERT"),
		FooterBlurb:        os.Getenv("FOOTER_BLURB"),
		LocalDomains:       parseList(os.Getenv("LOCAL_DOMAINS")),
		LocalBlurb:         os.Getenv("LOCAL_BLURB"),
		ClientTimeout:      parseDuration(os.Getenv("CLIENT_TIMEOUT"), 10*time.Second),
		SignatureThreads:   parseInt(os.Getenv("SIGNATURE_THREADS"), runtime.NumCPU()),
		DeliverWorkers:     parseInt(os.Getenv("DELIVER_WORKERS"), 4),
		ApubWorkers:        parseInt(os.Getenv("APUB_WORKERS"), 4),
		LastOnlineFlush:    parseDuration(os.Getenv("LAST_ONLINE_FLUSH"), 5*time.Minute),
		StaticDir:          getEnv("STATIC_DIR", "static"),

		OpenTelemetryURL:    os.Getenv("OPENTELEMETRY_URL"),
		TelegramToken:       os.Getenv("TELEGRAM_TOKEN"),
		TelegramAdminHandle: os.Getenv("TELEGRAM_ADMIN_HANDLE"),
		PrometheusAddr:      os.Getenv("PROMETHEUS_ADDR"),
	}
}

// Scheme returns "https" or "http" depending on the HTTPS setting.
func (c *Config) Scheme() string {
	if c.HTTPS {
		return "https"
	}
	return "http"
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.Scheme() + "://" + c.Hostname + path
}

// ActorID is the IRI of the relay's own actor.
func (c *Config) ActorID() string { return c.BaseURL("/actor") }

// KeyID is the IRI of the relay's signing key.
func (c *Config) KeyID() string { return c.ActorID() + "#main-key" }

// InboxURL is the relay's shared inbox.
func (c *Config) InboxURL() string { return c.BaseURL("/inbox") }

// FollowersURL is the relay's followers collection.
func (c *Config) FollowersURL() string { return c.BaseURL("/followers") }

// ActivityURL mints the local IRI for a relayed activity.
func (c *Config) ActivityURL(id string) string { return c.BaseURL("/activity/" + id) }

// MediaURL mints the local IRI a cached media item is served from.
func (c *Config) MediaURL(id string) string { return c.BaseURL("/media/" + id) }

// URL returns the relay's base URL parsed.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL(""))
	return u
}

// UserAgent identifies the relay in outbound requests.
func (c *Config) UserAgent() string {
	return "aprelay/1.0 (+" + c.BaseURL("/") + ")"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	// Accept both bare seconds ("10") and Go duration strings ("10s").
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
