package conn

import (
	"context"
	"time"

	"github.com/soulseek-go/slsk/internal/socks"
)

// Options configures one Connection (spec §6 "per-connection option
// records").
type Options struct {
	ReadBufferSize    int
	WriteBufferSize   int
	WriteQueueSize    int // must be >= 1 (spec §8 boundary behaviour)
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration // -1 disables the inactivity timer
	KeepAlive         bool
	Proxy             *socks.Proxy
}

// DefaultOptions mirrors the teacher's DefaultConfig pattern
// (rain config.go: var DefaultConfig = Config{Port: 6881}).
var DefaultOptions = Options{
	ReadBufferSize:    16 * 1024,
	WriteBufferSize:   16 * 1024,
	WriteQueueSize:    16,
	ConnectTimeout:    10 * time.Second,
	InactivityTimeout: 15 * time.Second,
	KeepAlive:         true,
}

// Governor grants up to requested bytes of allowance before a stream
// chunk is read or written, e.g. a token bucket (spec §4.2
// write_stream/read_stream).
type Governor func(ctx context.Context, requested int) (granted int, err error)

// NoLimit grants the full request unconditionally.
func NoLimit(_ context.Context, requested int) (int, error) { return requested, nil }
