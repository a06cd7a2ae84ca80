// Package config reads governor settings from the environment, optionally
// seeded from a .env file that never overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type UserSeed struct {
	ID       string
	Category string
	Capital  float64
}

type Config struct {
	Mode      string
	LogLevel  string
	LogPretty bool

	TZ           string
	SessionOpen  string
	SessionClose string
	Tick         time.Duration
	Window       int
	PolicyFile   string

	DailyLossCap float64
	DailyLossPct float64
	MaxExposure  float64
	LotCeiling   int64

	RateLimitPerMin  int
	RateBurst        int
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerProbes    int
	FragmentTimeout  time.Duration
	OrderTimeout     time.Duration

	SnapshotPath string
	LockPath     string
	HTTPAddr     string
	AuditBuffer  int

	// browser origins allowed on the audit stream besides the API's own host
	StreamOrigins []string

	DatabaseURL string
	RedisURL    string
	RedisPrefix string
	TransferTTL time.Duration

	SettleCron   string
	TransferCron string
	ResetCron    string

	Users     []UserSeed
	PaperSeed int64
}

// LoadDotEnv loads path if it exists. Existing variables win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads every setting, reporting all malformed values together.
func Load() (Config, error) {
	var p parser
	c := Config{
		Mode:      p.str("MODE", "paper"),
		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogPretty: p.boolean("LOG_PRETTY", false),

		TZ:           p.str("TZ_NAME", "Asia/Kolkata"),
		SessionOpen:  p.str("SESSION_OPEN", "09:15"),
		SessionClose: p.str("SESSION_CLOSE", "15:30"),
		Tick:         p.duration("CYCLE_TICK_MS", time.Millisecond, 5000),
		Window:       p.integer("CONFIDENCE_WINDOW", 8),
		PolicyFile:   p.str("POLICY_FILE", ""),

		DailyLossCap: p.float("DAILY_LOSS_CAP", 0),
		DailyLossPct: p.float("MAX_LOSS_PCT_DAY", 2),
		MaxExposure:  p.float("MAX_EXPOSURE", 0),
		LotCeiling:   int64(p.integer("LOT_CEILING", 900)),

		RateLimitPerMin:  p.integer("RATE_LIMIT_ORDERS_PER_MIN", 120),
		RateBurst:        p.integer("RATE_LIMIT_BURST", 10),
		MaxRetries:       p.integer("MAX_ORDER_RETRIES", 3),
		RetryBackoff:     p.duration("RETRY_BACKOFF_MS", time.Millisecond, 200),
		BreakerThreshold: p.integer("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  p.duration("BREAKER_COOLDOWN_SEC", time.Second, 30),
		BreakerProbes:    p.integer("BREAKER_HALFOPEN_PROBES", 1),
		FragmentTimeout:  p.duration("FRAGMENT_TIMEOUT_MS", time.Millisecond, 3000),
		OrderTimeout:     p.duration("ORDER_TIMEOUT_MS", time.Millisecond, 15000),

		SnapshotPath: p.str("STATE_FILE", "state/day.json"),
		LockPath:     p.str("LOCK_FILE", "state/governor.pid"),
		HTTPAddr:     p.str("HTTP_ADDR", "127.0.0.1:8080"),
		AuditBuffer:  p.integer("AUDIT_BUFFER", 1024),

		DatabaseURL: p.str("DATABASE_URL", ""),
		RedisURL:    p.str("REDIS_URL", ""),
		RedisPrefix: p.str("REDIS_PREFIX", "governor:transfer:"),
		TransferTTL: p.duration("TRANSFER_TTL_HOURS", time.Hour, 24*7),

		SettleCron:   p.str("SETTLE_CRON", "0 45 15 * * MON-FRI"),
		TransferCron: p.str("TRANSFER_CRON", "0 30 16 * * MON-FRI"),
		ResetCron:    p.str("RESET_CRON", "0 0 9 * * MON-FRI"),

		PaperSeed: int64(p.integer("PAPER_SEED", 1)),
	}
	c.StreamOrigins = p.list("STREAM_ORIGINS")
	users, err := ParseUsers(p.str("USERS", ""))
	if err != nil {
		p.errs = append(p.errs, err)
	}
	c.Users = users
	if c.Mode != "paper" && c.Mode != "live" {
		p.errs = append(p.errs, fmt.Errorf("MODE must be paper or live, got %q", c.Mode))
	}
	if c.LotCeiling < 0 {
		p.errs = append(p.errs, fmt.Errorf("LOT_CEILING must be >= 0, got %d", c.LotCeiling))
	}
	return c, errors.Join(p.errs...)
}

// ParseUsers reads "id:category:capital" entries separated by commas.
func ParseUsers(s string) ([]UserSeed, error) {
	var (
		out  []UserSeed
		errs []error
		seen = map[string]bool{}
	)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			errs = append(errs, fmt.Errorf("USERS entry %q: want id:category:capital", item))
			continue
		}
		capital, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || capital < 0 {
			errs = append(errs, fmt.Errorf("USERS entry %q: bad capital %q", item, parts[2]))
			continue
		}
		if seen[parts[0]] {
			errs = append(errs, fmt.Errorf("USERS entry %q: duplicate id", item))
			continue
		}
		seen[parts[0]] = true
		out = append(out, UserSeed{ID: parts[0], Category: parts[1], Capital: capital})
	}
	return out, errors.Join(errs...)
}

type parser struct{ errs []error }

func (p *parser) list(key string) []string {
	var out []string
	for _, v := range strings.Split(p.str(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration reads an integer count of unit.
func (p *parser) duration(key string, unit time.Duration, def int) time.Duration {
	return time.Duration(p.integer(key, def)) * unit
}
