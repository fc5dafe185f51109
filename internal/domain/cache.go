package domain

import (
	"context"
	"time"
)

// RateLimiter answers whether key may perform one more request inside a
// sliding window of the given length.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out named, expiring job locks. Acquire fails with
// ErrLockHeld while another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of a replayable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries challenge events: Publish/Subscribe for live fan-out and
// StreamAppend/StreamRead for consumers that reconnect and resume by ID.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
