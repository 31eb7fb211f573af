package client

import (
	"log/slog"
	"time"
)

type Option func(c *Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.l = l
	}
}

// WithDialer replaces the default TCP dialer. Used to plug alternative
// transports (and in-memory pipes in tests).
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// WithSleepFunc replaces the pause between connect rounds. Used for
// deterministic circuit-breaker timing in tests.
func WithSleepFunc(sleep func(d time.Duration)) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithoutResubscribe disables the automatic SUB replay after a reconnect.
func WithoutResubscribe() Option {
	return func(c *Client) {
		c.resubscribe = false
	}
}
