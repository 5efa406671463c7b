package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/pushwatch/cfg"
	"github.com/maxpert/pushwatch/notify"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the relay registry
type RegistryConfig struct {
	Source Source                   // Push journal, owned by the caller
	Hub    *notify.Hub              // Optional append notifications
	Relays []cfg.RelayConfiguration // From config
}

// Registry manages the lifecycle of all relay workers
type Registry struct {
	source  Source
	hub     *notify.Hub
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker per relay configuration
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("journal source is required")
	}

	registry := &Registry{
		source:  config.Source,
		hub:     config.Hub,
		workers: make([]*Worker, 0, len(config.Relays)),
	}

	for _, relayCfg := range config.Relays {
		if err := registry.AddRelay(relayCfg); err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add relay %q: %w", relayCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Relay registry initialized")

	return registry, nil
}

// AddRelay creates a sink and worker for the configuration
func (r *Registry) AddRelay(config cfg.RelayConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.AddSink(config, snk)
}

// AddSink adds a worker publishing to an already constructed sink.
// The registry takes ownership of snk.
func (r *Registry) AddSink(config cfg.RelayConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	formatter, err := createFormatter(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create formatter: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterIDs)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Source:          r.source,
		Sink:            snk,
		Formatter:       formatter,
		Filter:          filter,
		Hub:             r.hub,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("relay", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added relay")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting relay registry")

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks. The journal stays open.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping relay registry")

	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinksLocked()

	log.Info().Msg("Relay registry stopped")
}

// Statuses returns one Status per worker in configuration order
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.workers))
	for _, worker := range r.workers {
		out = append(out, worker.Status())
	}
	return out
}

func (r *Registry) closeSinks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeSinksLocked()
}

func (r *Registry) closeSinksLocked() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("relay", worker.Name()).Msg("Failed to close relay sink")
		}
	}
}

// SinkFactory creates a Sink from a relay configuration
type SinkFactory func(cfg.RelayConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a relay type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.RelayConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}
