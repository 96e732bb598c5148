package crudodb

import (
	"log/slog"
	"time"

	"github.com/andreyvit/crudodb/kvstore"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRegistryInstance = "crudodb"
	DefaultSyncConcurrency  = 8
	DefaultRetryInterval    = 200 * time.Millisecond
)

type Options struct {
	// Engine stores the physical instances. Required.
	Engine kvstore.Engine

	Logger *slog.Logger

	// Verbose logs every local read and write at debug level.
	Verbose bool

	// SyncConcurrency bounds the number of in-flight remote calls during the
	// push phase of a sync, and the number of stores synced at once by DB.Sync.
	SyncConcurrency int

	// RemoteRetries is the number of extra attempts for a failing remote call
	// made by Sync. CRUD calls are never retried.
	RemoteRetries int
	RetryInterval time.Duration

	// Registerer receives the sync metrics. Nil disables metric registration.
	Registerer prometheus.Registerer

	// RegistryInstance names the physical instance holding the schema registry.
	RegistryInstance string
}

func (opt Options) withDefaults() Options {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.SyncConcurrency <= 0 {
		opt.SyncConcurrency = DefaultSyncConcurrency
	}
	if opt.RemoteRetries < 0 {
		opt.RemoteRetries = 0
	}
	if opt.RetryInterval <= 0 {
		opt.RetryInterval = DefaultRetryInterval
	}
	if opt.RegistryInstance == "" {
		opt.RegistryInstance = DefaultRegistryInstance
	}
	return opt
}

// env is the part of DB configuration shared by every Database.
type env struct {
	logger        *slog.Logger
	verbose       bool
	concurrency   int
	retries       int
	retryInterval time.Duration
	metrics       *metrics
}

func newEnv(opt Options) (*env, error) {
	m, err := newMetrics(opt.Registerer)
	if err != nil {
		return nil, err
	}
	return &env{
		logger:        opt.Logger,
		verbose:       opt.Verbose,
		concurrency:   opt.SyncConcurrency,
		retries:       opt.RemoteRetries,
		retryInterval: opt.RetryInterval,
		metrics:       m,
	}, nil
}
