package config

// This file defines the Redis client constructor.  Redis backs the cache-aside
// projections, the login attempt counters and the auth rate limiter.  If the
// server cannot be reached at startup the constructor returns nil and callers
// degrade gracefully: reads go straight to MySQL and limits fail open.

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection parameters for the cache server.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	TLS          bool
	TLSInsecure  bool // skip certificate verification (self-signed dev servers only)
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LoadRedisConfig reads the Redis settings.  Supported variables are:
//
//	REDIS_HOST and REDIS_PORT – hostname and port of the Redis server
//	REDIS_ADDR – host:port shorthand (used when host/port are not both set)
//	REDIS_PASSWORD – optional password
//	REDIS_DB – database number (default 0)
//	REDIS_TLS – enable TLS when "true" or "1"
//	REDIS_TLS_INSECURE – skip certificate verification (default false)
//	REDIS_DIAL_TIMEOUT, REDIS_READ_TIMEOUT, REDIS_WRITE_TIMEOUT
func LoadRedisConfig() RedisConfig {
	host := os.Getenv("REDIS_HOST")
	port := os.Getenv("REDIS_PORT")
	addr := os.Getenv("REDIS_ADDR")
	if host != "" && port != "" {
		addr = host + ":" + port
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsEnv := os.Getenv("REDIS_TLS")
	return RedisConfig{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           envInt("REDIS_DB", 0),
		TLS:          strings.EqualFold(tlsEnv, "true") || tlsEnv == "1",
		TLSInsecure:  envBool("REDIS_TLS_INSECURE", false),
		DialTimeout:  envDur("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDur("REDIS_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: envDur("REDIS_WRITE_TIMEOUT", 10*time.Second),
	}
}

// NewRedisClient instantiates a Redis client from cfg.  The returned client is
// nil if a connection cannot be established.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig(cfg),
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	// Ping the server with a short timeout.  Return nil on failure.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}

// tlsConfig returns nil when TLS is off.  Certificates are verified against
// the host part of Addr unless TLSInsecure is set.
func tlsConfig(cfg RedisConfig) *tls.Config {
	if !cfg.TLS {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSInsecure,
	}
}
