package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryURL selects the in-process state store and disables cross-process
// fan-out. Only useful for a single instance or local development.
const MemoryURL = "memory://"

func (c RedisConfig) InMemory() bool {
	return c.URL == MemoryURL
}

// Options accepts both "host:port" and "redis://" / "rediss://" URLs. URLs
// go through redis.ParseURL, so the database index, credentials, TLS and
// query options all apply.
func (c RedisConfig) Options() (*redis.Options, error) {
	var opts *redis.Options

	switch {
	case strings.HasPrefix(c.URL, "redis://"), strings.HasPrefix(c.URL, "rediss://"):
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	case c.URL == "":
		return nil, fmt.Errorf("redis address is empty")
	default:
		opts = &redis.Options{
			Addr:     c.URL,
			Password: os.Getenv("REDIS_PASSWORD"),
		}
	}

	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	return opts, nil
}
