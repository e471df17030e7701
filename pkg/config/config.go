package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Store backends.
const (
	StoreCookie   = "cookie"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// DefaultCookieMaxEntries bounds histories kept in the cookie backend so the
// encoded value stays under browser cookie limits.
const DefaultCookieMaxEntries = 25

type Config struct {
	ServerAddr  string
	EnableHTTPS bool
	TLSCert     string
	TLSKey      string

	LogLevel  string
	LogFormat string // text or json

	LookupURL          string        // fallback public IP service
	LookupTimeout      time.Duration // 0 leaves the platform default
	RemoteAddrFallback bool          // consult RemoteAddr before the lookup service
	GeoIPDB            string        // GeoLite2-City mmdb path; empty disables

	Store          string // cookie, memory, redis, postgres
	HistoryCookie  string // slot name for the cookie backend
	CookieSecret   string // signs cookie values when set
	CookieSecure   bool
	ClientCookie   string // client id cookie for server-side backends
	MaxEntries     int    // 0 keeps everything
	Timezone       string // IANA name for rendered dates; empty = local
	RedisURL       string
	RedisKeyPrefix string
	PostgresDSN    string
	PostgresTable  string

	Outputs []string // enabled sinks: log, kafka
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// loadDotEnv reads ENV_FILE (default .env) without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv() {
	path := getOr("ENV_FILE", ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("config: failed to load %s: %v", path, err)
	}
}

func Load() Config {
	loadDotEnv()

	store := strings.ToLower(getOr("HISTORY_STORE", StoreCookie))
	maxDef := int64(0)
	if store == StoreCookie {
		maxDef = DefaultCookieMaxEntries
	}

	return Config{
		ServerAddr:  getOr("SERVER_ADDR", ":8080"),
		EnableHTTPS: getBool("ENABLE_HTTPS", false),
		TLSCert:     getOr("TLS_CERT", ""),
		TLSKey:      getOr("TLS_KEY", ""),

		LogLevel:  getOr("LOG_LEVEL", "info"),
		LogFormat: getOr("LOG_FORMAT", "text"),

		LookupURL:          getOr("IP_LOOKUP_URL", "https://api.ipify.org?format=json"),
		LookupTimeout:      getDuration("IP_LOOKUP_TIMEOUT", 0),
		RemoteAddrFallback: getBool("REMOTE_ADDR_FALLBACK", false),
		GeoIPDB:            getOr("GEOIP_DB", ""),

		Store:          store,
		HistoryCookie:  getOr("HISTORY_COOKIE", "ipHistory"),
		CookieSecret:   getOr("HISTORY_COOKIE_SECRET", ""),
		CookieSecure:   getBool("HISTORY_COOKIE_SECURE", false),
		ClientCookie:   getOr("CLIENT_COOKIE", "iptrace_client"),
		MaxEntries:     int(getInt64("HISTORY_MAX_ENTRIES", maxDef)),
		Timezone:       getOr("HISTORY_TIMEZONE", ""),
		RedisURL:       getOr("REDIS_URL", "redis://localhost:6379/0"),
		RedisKeyPrefix: getOr("REDIS_KEY_PREFIX", "iptrace:history:"),
		PostgresDSN:    getOr("PG_DSN", "postgres://localhost:5432/iptrace?sslmode=disable"),
		PostgresTable:  getOr("PG_TABLE", "ip_history"),

		Outputs: getStringSlice("OUTPUTS", "log"), // default to log only
	}
}

// Location resolves Timezone, falling back to local time.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("config: unknown HISTORY_TIMEZONE %q, using local time: %v", c.Timezone, err)
		return time.Local
	}
	return loc
}

// ConfigureLogging applies LogLevel and LogFormat to the standard logger.
func (c Config) ConfigureLogging() {
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Printf("config: unknown LOG_LEVEL %q, keeping %s", c.LogLevel, log.GetLevel())
	}
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
