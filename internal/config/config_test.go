package config

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_USER", "genchat")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "genchat")
	t.Setenv("JWT_SECRET", "s3cret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15, cfg.AccessTTLMin)
	assert.Equal(t, 7, cfg.RefreshTTLDays)
	assert.Equal(t, 300*time.Second, cfg.Cache.UserTTL)
	assert.Equal(t, 60*time.Second, cfg.Cache.HistoryTTL)
	assert.Equal(t, 60*time.Second, cfg.Cache.SessionsTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TokenTTL)
	assert.Equal(t, 5, cfg.Login.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Login.Lockout)
	assert.EqualValues(t, 3, cfg.StoreRetry.Attempts)
	assert.False(t, cfg.EventsEnabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_ReportsEveryMissingVariable(t *testing.T) {
	for _, k := range []string{"APP_ENV", "APP_PORT", "DB_USER", "DB_HOST", "DB_PORT", "DB_NAME", "JWT_SECRET"} {
		t.Setenv(k, "")
	}

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_PORT")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CACHE_USER_TTL", "2m")
	t.Setenv("STORE_RETRY_ATTEMPTS", "0")
	t.Setenv("RABBITMQ_URL", "amqp://u:p@mq:5672/")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.UserTTL)
	assert.EqualValues(t, 1, cfg.StoreRetry.Attempts)
	assert.Equal(t, "amqp://u:p@mq:5672/", cfg.AMQPURL)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_InvalidInt(t *testing.T) {
	setRequired(t)
	t.Setenv("BCRYPT_COST", "twelve")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BCRYPT_COST")
}

func TestLoad_AdminNeedsPassword(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_USERNAME", "root")
	t.Setenv("ADMIN_PASSWORD", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRateLimitConfig_Clamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	rl := LoadRateLimitConfig()
	assert.Equal(t, 1, rl.Capacity)
	assert.Equal(t, 10*time.Second, rl.TTL)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	c := NewRedisClient(RedisConfig{Addr: mr.Addr(), DialTimeout: time.Second})
	require.NotNil(t, c)
	defer c.Close()

	addr := mr.Addr()
	mr.Close()
	assert.Nil(t, NewRedisClient(RedisConfig{Addr: addr, DialTimeout: 100 * time.Millisecond}))
}

func TestRedisTLSConfig(t *testing.T) {
	assert.Nil(t, tlsConfig(RedisConfig{Addr: "cache:6380"}))

	conf := tlsConfig(RedisConfig{Addr: "cache:6380", TLS: true})
	require.NotNil(t, conf)
	assert.Equal(t, "cache", conf.ServerName)
	assert.False(t, conf.InsecureSkipVerify, "certificates are verified by default")

	conf = tlsConfig(RedisConfig{Addr: "cache:6380", TLS: true, TLSInsecure: true})
	assert.True(t, conf.InsecureSkipVerify)
}

func TestLoadRedisConfig_TLSFlags(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "")
	cfg := LoadRedisConfig()
	assert.True(t, cfg.TLS)
	assert.False(t, cfg.TLSInsecure)

	t.Setenv("REDIS_TLS_INSECURE", "1")
	assert.True(t, LoadRedisConfig().TLSInsecure)
}

func TestLoadEventsConfig(t *testing.T) {
	t.Setenv("RABBITMQ_URL", "")
	t.Setenv("AMQP_URL", "amqp://mq/")
	t.Setenv("TOKEN_EVENTS_LOG", "")

	ec := LoadEventsConfig()
	assert.Equal(t, "amqp://mq/", ec.AMQPURL)
	assert.Equal(t, "logs/token_events.log", ec.LogPath)
	assert.Equal(t, "info", ec.Log.Level)
}
