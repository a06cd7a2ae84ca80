package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/policy"
	"github.com/chidi150c/governor/internal/util"
)

// Preflight checks that the configuration can start a paper session. It
// prints a PASS line per check and stops at the first FAIL.
func Preflight(c Config, w io.Writer) error {
	pass := func(msg string) { fmt.Fprintln(w, "PASS:", msg) }
	fail := func(msg string) error {
		fmt.Fprintln(w, "FAIL:", msg)
		return errors.New(msg)
	}

	if c.Mode != "paper" {
		return fail("MODE must be 'paper': no live broker adapter is configured")
	}
	pass("MODE is paper")

	if util.Location(c.TZ).String() != c.TZ {
		return fail("TZ_NAME " + c.TZ + " is not a known time zone")
	}
	if _, err := cycle.ParseSession(c.TZ, c.SessionOpen, c.SessionClose); err != nil {
		return fail(err.Error())
	}
	pass(fmt.Sprintf("session %s-%s %s", c.SessionOpen, c.SessionClose, c.TZ))

	tables := policy.Default()
	if c.PolicyFile != "" {
		t, err := policy.Load(c.PolicyFile)
		if err != nil {
			return fail(err.Error())
		}
		tables = t
		pass("policy file loaded: " + c.PolicyFile)
	} else {
		pass("using built-in policy tables")
	}

	if len(c.Users) == 0 {
		return fail("USERS is empty")
	}
	for _, u := range c.Users {
		if _, err := tables.Leverage(u.Category); err != nil {
			return fail(fmt.Sprintf("user %s: %v", u.ID, err))
		}
	}
	pass(fmt.Sprintf("%d users with known categories", len(c.Users)))

	if c.DailyLossCap <= 0 && c.DailyLossPct <= 0 {
		return fail("no daily loss cap: set DAILY_LOSS_CAP or MAX_LOSS_PCT_DAY")
	}
	pass("daily loss cap configured")

	if c.MaxRetries < 0 || c.BreakerThreshold < 1 {
		return fail("MAX_ORDER_RETRIES must be >= 0 and BREAKER_THRESHOLD >= 1")
	}
	pass("execution guards configured")

	if c.DatabaseURL == "" {
		fmt.Fprintln(w, "NOTE: DATABASE_URL not set, settlements are kept in memory only.")
	} else {
		pass("settlement store: postgres")
	}
	if c.RedisURL == "" {
		fmt.Fprintln(w, "NOTE: REDIS_URL not set, the transfer ledger is in memory only.")
	} else {
		pass("transfer ledger: redis")
	}
	if os.Getenv("BROKER_API_KEY") != "" {
		fmt.Fprintln(w, "NOTE: BROKER_API_KEY present. Paper mode never uses it; keep .env out of version control.")
	}

	pass("Preflight completed")
	return nil
}
