package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:0",
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: time.Second,
		},
		Cache: CacheConfig{
			Backend: "bolt",
			Path:    "", // tests pick a t.TempDir path or run memory-only
			Timeout: 1 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:         "http://127.0.0.1",
			UserAgent:       "fss-test/1.0",
			HTTPTimeout:     2 * time.Second,
			RetryInterval:   5 * time.Millisecond,
			MaxRetryElapsed: 100 * time.Millisecond,
			CookieA:         "test-a",
			CookieB:         "test-b",
			AllowLocal:      true,
		},
		Log: LogConfig{
			Level: "off",
		},
	}
}
