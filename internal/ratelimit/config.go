package ratelimit

import (
	"net/http"
	"time"
)

// Tier is a named limiter applied to a class of requests.
type Tier struct {
	Name    string
	Limiter *Limiter
}

// Config holds the tiers of the reference server.
type Config struct {
	// Sync covers batch requests.
	Sync Tier
	// Query covers row queries, which a cycle issues several of.
	Query Tier
	// Notify covers websocket upgrades.
	Notify Tier
}

// DefaultConfig returns the default tiers. perMinute scales every tier: it is
// the number of sync batches a client may send per minute.
func DefaultConfig(perMinute int) *Config {
	if perMinute <= 0 {
		perMinute = 600
	}
	return &Config{
		Sync:   Tier{Name: "sync", Limiter: NewLimiter(perMinute, time.Minute, max(perMinute/10, 1))},
		Query:  Tier{Name: "query", Limiter: NewLimiter(perMinute*10, time.Minute, max(perMinute, 1))},
		Notify: Tier{Name: "notify", Limiter: NewLimiter(10, time.Minute, 5)},
	}
}

// Match returns the tier of a request, nil when it is not limited.
func (c *Config) Match(method, path string) *Tier {
	switch {
	case method == http.MethodPost && path == "/sync":
		return &c.Sync
	case method == http.MethodPost && path == "/query":
		return &c.Query
	case method == http.MethodGet && path == "/notify":
		return &c.Notify
	}
	return nil
}

// Close stops every limiter.
func (c *Config) Close() {
	c.Sync.Limiter.Close()
	c.Query.Limiter.Close()
	c.Notify.Limiter.Close()
}
