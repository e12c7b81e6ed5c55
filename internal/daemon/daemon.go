package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Engine is the part of the sync engine the daemon drives.
type Engine interface {
	Probe(ctx context.Context) bool
	IsOnline() bool
	ForceSyncAll(ctx context.Context) (transport.DrainReport, error)
	Refresh(ctx context.Context) ([]schema.Task, error)
	GetSyncStatistics(ctx context.Context) tsync.SyncStatistics
}

// PushSource delivers server push notifications. Listen blocks until ctx
// is done, calling onUpdate for every tasksUpdated message.
type PushSource interface {
	Listen(ctx context.Context, onUpdate func()) error
}

// Config holds configuration for the daemon.
type Config struct {
	// ProbeInterval is how often connectivity is checked
	ProbeInterval time.Duration

	// DrainInterval is how often a non-empty queue is drained while online
	DrainInterval time.Duration

	// Push is an optional push channel; tasksUpdated triggers a refresh
	Push PushSource

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 5 * time.Second,
		DrainInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is a snapshot of daemon activity.
type Status struct {
	Online    bool      `json:"online"`
	Syncs     int       `json:"syncs"`
	Refreshes int       `json:"refreshes"`
	LastSync  time.Time `json:"lastSync"`
	LastError string    `json:"lastError,omitempty"`
}

// Daemon keeps the engine in sync in the background.
type Daemon struct {
	engine Engine
	config *Config

	trigger chan string

	mu     sync.Mutex
	status Status
	online bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a daemon with default configuration.
func New(engine Engine) (*Daemon, error) {
	return NewWithConfig(engine, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(engine Engine, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine:  engine,
		config:  config,
		trigger: make(chan string, 1),
		online:  engine.IsOnline(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
//
// The daemon:
// 1. Drains the queue once at start-up
// 2. Probes connectivity and drains on every offline to online transition
// 3. Drains a non-empty queue every DrainInterval while online
// 4. Refreshes the collection when the push channel reports an update
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.wg.Add(3)
	go d.syncWorker()
	go d.probeLoop()
	go d.drainLoop()
	if d.config.Push != nil {
		d.wg.Add(1)
		go d.pushLoop()
	}

	d.TriggerSync("startup")

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.once.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// TriggerSync asks for a drain. Requests made while one is pending are
// coalesced.
func (d *Daemon) TriggerSync(reason string) {
	select {
	case d.trigger <- reason:
	default:
	}
}

// Status returns a snapshot of daemon activity.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.status
	st.Online = d.online
	return st
}

// syncWorker runs ForceSyncAll for each trigger, one at a time.
func (d *Daemon) syncWorker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case reason := <-d.trigger:
			d.runSync(reason)
		}
	}
}

func (d *Daemon) runSync(reason string) {
	report, err := d.engine.ForceSyncAll(d.ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.status.LastError = err.Error()
		d.config.Logger.Printf("Sync (%s) failed: %v", reason, err)
		return
	}
	d.status.Syncs++
	d.status.LastSync = time.Now()
	d.status.LastError = ""
	d.online = report.Online
	if report.Processed > 0 {
		d.config.Logger.Printf("Sync (%s): %d succeeded, %d failed, %d remaining",
			reason, report.Succeeded, report.Failed, report.Remaining)
	}
}

// probeLoop checks connectivity and syncs when the server comes back.
func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			online := d.engine.Probe(d.ctx)

			d.mu.Lock()
			reconnected := online && !d.online
			d.online = online
			d.mu.Unlock()

			if reconnected {
				d.config.Logger.Println("Server reachable again, syncing")
				d.TriggerSync("reconnect")
			}
		}
	}
}

// drainLoop periodically drains a non-empty queue while online.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.engine.IsOnline() {
				continue
			}
			if d.engine.GetSyncStatistics(d.ctx).PendingSync > 0 {
				d.TriggerSync("interval")
			}
		}
	}
}

// pushLoop refreshes the collection on server push notifications.
func (d *Daemon) pushLoop() {
	defer d.wg.Done()

	err := d.config.Push.Listen(d.ctx, func() {
		if _, err := d.engine.Refresh(d.ctx); err != nil {
			d.config.Logger.Printf("Refresh after push failed: %v", err)
			return
		}
		d.mu.Lock()
		d.status.Refreshes++
		d.mu.Unlock()
	})
	if err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Push listener stopped: %v", err)
	}
}
