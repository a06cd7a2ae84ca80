package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("USERS", "u1:standard:1000000")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "paper", c.Mode)
	assert.Equal(t, "Asia/Kolkata", c.TZ)
	assert.Equal(t, 5*time.Second, c.Tick)
	assert.Equal(t, 200*time.Millisecond, c.RetryBackoff)
	assert.Equal(t, 30*time.Second, c.BreakerCooldown)
	assert.Equal(t, "0 45 15 * * MON-FRI", c.SettleCron)
	assert.Empty(t, c.StreamOrigins)
	require.Len(t, c.Users, 1)
	assert.Equal(t, UserSeed{ID: "u1", Category: "standard", Capital: 1_000_000}, c.Users[0])
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MODE", "live")
	t.Setenv("LOT_CEILING", "250")
	t.Setenv("RETRY_BACKOFF_MS", "50")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("DAILY_LOSS_CAP", "25000.5")
	t.Setenv("STREAM_ORIGINS", "https://desk.example.com, http://localhost:3000,")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "live", c.Mode)
	assert.EqualValues(t, 250, c.LotCeiling)
	assert.Equal(t, 50*time.Millisecond, c.RetryBackoff)
	assert.True(t, c.LogPretty)
	assert.Equal(t, 25000.5, c.DailyLossCap)
	assert.Equal(t, []string{"https://desk.example.com", "http://localhost:3000"}, c.StreamOrigins)
}

func TestLoad_ReportsEveryBadValue(t *testing.T) {
	t.Setenv("MODE", "yolo")
	t.Setenv("MAX_ORDER_RETRIES", "three")
	t.Setenv("DAILY_LOSS_CAP", "lots")
	_, err := Load()
	require.Error(t, err)
	for _, want := range []string{"MODE", "MAX_ORDER_RETRIES", "DAILY_LOSS_CAP"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseUsers(t *testing.T) {
	users, err := ParseUsers(" u1:standard:1000000 , u2:pro:2500000,")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "pro", users[1].Category)

	_, err = ParseUsers("u1:standard")
	assert.Error(t, err)
	_, err = ParseUsers("u1:standard:-5")
	assert.Error(t, err)
	_, err = ParseUsers("u1:standard:1,u1:pro:2")
	assert.Error(t, err)
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOT_CEILING=111\nREDIS_PREFIX=from-file:\n"), 0o600))
	t.Setenv("LOT_CEILING", "222")
	t.Setenv("REDIS_PREFIX", "")
	require.NoError(t, os.Unsetenv("REDIS_PREFIX"))

	require.NoError(t, LoadDotEnv(path))
	c, err := Load()
	require.NoError(t, err)
	assert.EqualValues(t, 222, c.LotCeiling)
	assert.Equal(t, "from-file:", c.RedisPrefix)

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func goodConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("USERS", "u1:standard:1000000")
	c, err := Load()
	require.NoError(t, err)
	return c
}

func TestPreflight_Passes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Preflight(goodConfig(t), &buf))
	out := buf.String()
	assert.Contains(t, out, "PASS: MODE is paper")
	assert.Contains(t, out, "NOTE: DATABASE_URL not set")
	assert.Contains(t, out, "PASS: Preflight completed")
	assert.NotContains(t, out, "FAIL")
}

func TestPreflight_Fails(t *testing.T) {
	cases := map[string]func(*Config){
		"MODE":        func(c *Config) { c.Mode = "live" },
		"time zone":   func(c *Config) { c.TZ = "Mars/Olympus" },
		"session":     func(c *Config) { c.SessionClose = "08:00" },
		"USERS":       func(c *Config) { c.Users = nil },
		"category":    func(c *Config) { c.Users[0].Category = "vip" },
		"loss cap":    func(c *Config) { c.DailyLossCap, c.DailyLossPct = 0, 0 },
		"policy file": func(c *Config) { c.PolicyFile = filepath.Join(t.TempDir(), "nope.yaml") },
	}
	for name, mutate := range cases {
		c := goodConfig(t)
		mutate(&c)
		var buf bytes.Buffer
		err := Preflight(c, &buf)
		assert.Error(t, err, name)
		assert.Contains(t, buf.String(), "FAIL:", name)
	}
}
