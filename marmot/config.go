package marmot

import (
	"time"

	"go.uber.org/zap"

	mls "github.com/marmot-protocol/go-marmot"
)

type Config struct {
	Logger *zap.Logger

	// Largest generation gap accepted when decrypting
	MaxForwardDistance uint32

	// Refuse Welcomes whose GroupInfo does not carry the ratchet tree
	RequireRatchetTree bool

	// How long pre-commit snapshots are kept for rollback
	SnapshotRetention time.Duration

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Logger:             zap.NewNop(),
		MaxForwardDistance: mls.DefaultMaxForwardDistance,
		RequireRatchetTree: true,
		SnapshotRetention:  7 * 24 * time.Hour,
		Now:                time.Now,
	}
}

type Option func(*Config)

func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

func WithMaxForwardDistance(distance uint32) Option {
	return func(c *Config) {
		c.MaxForwardDistance = distance
	}
}

func WithRequireRatchetTree(require bool) Option {
	return func(c *Config) {
		c.RequireRatchetTree = require
	}
}

func WithSnapshotRetention(retention time.Duration) Option {
	return func(c *Config) {
		c.SnapshotRetention = retention
	}
}

// WithClock replaces the time source, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}
