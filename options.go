package treescale

import (
	"log/slog"
	"runtime"
)

// AcceptPolicy decides whether a newly handshaken connection must wait for
// an explicit AcceptPending call before going live. remote is the peer
// address, inbound reports whether the peer dialed us.
type AcceptPolicy func(remote string, inbound bool) bool

type Option func(*netConfig)

type netConfig struct {
	workers      int          // socket-owning workers (default GOMAXPROCS)
	handler      EventHandler // receives peer events and pending notifications
	acceptPolicy AcceptPolicy

	// Throughput tuning.
	commandQueueSize int // engine command channel buffer (default 1024)
	workerQueueSize  int // per-worker command channel buffer (default 4096)

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string

	// Log level for the structured JSON logger. Nil = leave the global
	// logger alone.
	logLevel *slog.Level
}

func defaultNetConfig() netConfig {
	return netConfig{
		workers:          runtime.GOMAXPROCS(0),
		acceptPolicy:     func(_ string, inbound bool) bool { return inbound },
		commandQueueSize: 1024,
		workerQueueSize:  4096,
	}
}

// WithWorkers sets the number of socket-owning workers handshaken
// connections are distributed across. Default: runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(c *netConfig) {
		c.workers = n
	}
}

func WithEventHandler(h EventHandler) Option {
	return func(c *netConfig) {
		c.handler = h
	}
}

// WithAcceptPolicy replaces the default policy (inbound connections wait
// for acceptance, outbound ones go live as soon as the handshake lands).
func WithAcceptPolicy(p AcceptPolicy) Option {
	return func(c *netConfig) {
		c.acceptPolicy = p
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *netConfig) {
		c.adminAddr = addr
	}
}

// WithCommandQueueSize sets the buffer of the engine's command channel.
// Commands past the buffer block the caller until the engine drains.
// Default: 1024.
func WithCommandQueueSize(n int) Option {
	return func(c *netConfig) {
		c.commandQueueSize = n
	}
}

// WithWorkerQueueSize sets the buffer of each worker's command channel.
// Event deliveries to a worker whose queue is full are dropped, so size
// this for the expected fan-out burst. Default: 4096.
func WithWorkerQueueSize(n int) Option {
	return func(c *netConfig) {
		c.workerQueueSize = n
	}
}

func WithLogLevel(level slog.Level) Option {
	return func(c *netConfig) {
		c.logLevel = &level
	}
}
