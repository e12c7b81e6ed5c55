// Package loadtest drives the sync engine with concurrent simulated clients
// while the network drops in and out, then checks that the server ends up
// with exactly the changes every client made.
//
// The server and the network are in-process (see transporttest), so a run
// measures the engine, the store and the queue rather than a real link.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/tasks"
	"github.com/mschirtzinger/tasksync/internal/transport"
	"github.com/mschirtzinger/tasksync/internal/transport/transporttest"
)

// Options controls a run.
type Options struct {
	// Clients is the number of concurrent simulated users.
	Clients int

	// Mutations is how many changes each client makes.
	Mutations int

	// Tasks is how many records each client owns at the start.
	Tasks int

	// FlapEvery toggles connectivity at this interval. Zero keeps the
	// network up for the whole run.
	FlapEvery time.Duration

	// Dir holds the SQLite cache. Empty uses an in-memory store.
	Dir string

	// Seed makes the mutation mix reproducible.
	Seed int64

	// Logger for engine activity (default: discard).
	Logger *log.Logger
}

// DefaultOptions returns a small run.
func DefaultOptions() Options {
	return Options{
		Clients:   10,
		Mutations: 20,
		Tasks:     5,
		FlapEvery: 5 * time.Millisecond,
		Seed:      42,
	}
}

// LatencyStats captures how long mutations took to return to the caller.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Report is the outcome of a run.
type Report struct {
	Latency    LatencyStats          `json:"latency"`
	Confirmed  int                   `json:"confirmed"`
	Queued     int                   `json:"queued"`
	Conflicts  int                   `json:"conflicts"`
	Errors     int                   `json:"errors"`
	Flaps      int                   `json:"flaps"`
	Sync       transport.DrainReport `json:"sync"`
	Converged  bool                  `json:"converged"`
	Mismatches []string              `json:"mismatches,omitempty"`
	Elapsed    time.Duration         `json:"elapsed"`
}

// Run performs one load test.
func Run(ctx context.Context, opts Options) (*Report, error) {
	def := DefaultOptions()
	if opts.Clients <= 0 {
		opts.Clients = def.Clients
	}
	if opts.Mutations <= 0 {
		opts.Mutations = def.Mutations
	}
	if opts.Tasks <= 0 {
		opts.Tasks = def.Tasks
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	env, err := newEnv(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer env.close()

	// seed every client's records on the server, then warm the cache
	models := make([]*model, opts.Clients)
	for c := range models {
		models[c] = newModel(c)
		for i := 0; i < opts.Tasks; i++ {
			t := models[c].seed(i)
			env.srv.Seed(t)
		}
	}
	if _, err := env.engine.GetTasks(ctx); err != nil {
		return nil, fmt.Errorf("failed to load seeded tasks: %w", err)
	}

	report := &Report{}
	start := time.Now()

	runCtx, stopFlap := context.WithCancel(ctx)
	var flapWG sync.WaitGroup
	if opts.FlapEvery > 0 {
		flapWG.Add(1)
		go func() {
			defer flapWG.Done()
			report.Flaps = env.flap(runCtx, opts.FlapEvery)
		}()
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
	)
	for c := 0; c < opts.Clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(c)))
			cl := &client{engine: env.engine, model: models[c], rng: rng}
			out := cl.run(ctx, opts.Mutations)

			mu.Lock()
			defer mu.Unlock()
			durations = append(durations, out.durations...)
			report.Confirmed += out.confirmed
			report.Queued += out.queued
			report.Conflicts += out.conflicts
			report.Errors += out.errors
		}(c)
	}
	wg.Wait()
	stopFlap()
	flapWG.Wait()

	// reconnect and drain until nothing is left
	env.net.SetOnline(true)
	env.engine.Probe(ctx)
	for i := 0; i < 3; i++ {
		r, err := env.engine.ForceSyncAll(ctx)
		if err != nil {
			return nil, err
		}
		report.Sync = r
		if env.engine.GetSyncStatistics(ctx).PendingSync == 0 {
			break
		}
	}

	report.Elapsed = time.Since(start)
	report.Latency = computeLatencyStats(durations)
	report.Mismatches = verify(env.srv.Tasks(), models)
	report.Converged = len(report.Mismatches) == 0
	return report, nil
}

// env is the wired engine under test.
type env struct {
	srv    *transporttest.TaskServer
	net    *transporttest.Network
	st     store.Storage
	engine *tsync.Orchestrator
}

func newEnv(ctx context.Context, opts Options) (*env, error) {
	var st store.Storage = store.NewMemory()
	if opts.Dir != "" {
		db, err := store.OpenSQLiteContext(ctx, filepath.Join(opts.Dir, "loadtest.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		st = db
	}

	srv := transporttest.NewTaskServer()
	network := transporttest.NewNetwork(srv)

	cfg := transport.DefaultConfig()
	cfg.BaseURL = "http://loadtest.invalid"
	cfg.Client = network.Client(time.Second)
	cfg.Storage = st
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 10 * time.Millisecond
	cfg.Logger = opts.Logger
	exec, err := transport.NewHTTP(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine, err := tsync.New(ctx, tsync.Options{
		Storage:  st,
		Executor: exec,
		Policy:   conflict.DefaultPolicy(),
		Logger:   opts.Logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &env{srv: srv, net: network, st: st, engine: engine}, nil
}

func (e *env) close() {
	e.engine.Close()
	_ = e.st.Close()
}

// flap toggles connectivity until ctx is done and returns the number of
// transitions. Coming back online probes so the engine notices.
func (e *env) flap(ctx context.Context, every time.Duration) int {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	online, n := true, 0
	for {
		select {
		case <-ctx.Done():
			return n
		case <-ticker.C:
			online = !online
			n++
			e.net.SetOnline(online)
			if online {
				e.engine.Probe(ctx)
			}
		}
	}
}

// model is what one client believes the server should hold for its
// records, keyed by a tag that survives temporary-id rewrites.
type model struct {
	client int
	ids    map[string]string // tag -> id the client last saw
	titles map[string]string // tag -> expected title; missing after a delete
	next   int
}

func newModel(client int) *model {
	return &model{client: client, ids: make(map[string]string), titles: make(map[string]string)}
}

func (m *model) tag(n int) string {
	return fmt.Sprintf("lt-%d-%d", m.client, n)
}

func (m *model) seed(i int) schema.Task {
	tag := m.tag(m.next)
	m.next++
	title := fmt.Sprintf("client %d seed %d", m.client, i)
	now := time.Now()
	t := schema.Task{
		ID:        fmt.Sprintf("seed-%d-%d", m.client, i),
		Version:   1,
		Title:     title,
		Status:    schema.StatusTodo,
		Priority:  schema.PriorityMedium,
		Tags:      []string{tag},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.ids[tag] = t.ID
	m.titles[tag] = title
	return t
}

// live returns the tags of records that still exist, in stable order.
func (m *model) live() []string {
	tags := make([]string, 0, len(m.titles))
	for tag := range m.titles {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

type clientResult struct {
	durations []time.Duration
	confirmed int
	queued    int
	conflicts int
	errors    int
}

type client struct {
	engine tsync.Engine
	model  *model
	rng    *rand.Rand
}

// run makes n mutations: mostly updates, some creates and the odd delete.
func (c *client) run(ctx context.Context, n int) clientResult {
	var out clientResult
	for i := 0; i < n; i++ {
		live := c.model.live()

		var (
			res *tasks.Result
			err error
			tag string
			fn  func(*tasks.Result)
		)
		start := time.Now()
		switch roll := c.rng.Intn(10); {
		case roll < 2 || len(live) == 0:
			tag = c.model.tag(c.model.next)
			c.model.next++
			title := fmt.Sprintf("client %d created %d", c.model.client, i)
			res, err = c.engine.CreateTask(ctx, schema.Task{Title: title, Tags: []string{tag}})
			fn = func(r *tasks.Result) {
				c.model.ids[tag] = r.Task.ID
				c.model.titles[tag] = title
			}

		case roll < 3 && len(live) > 1:
			tag = live[c.rng.Intn(len(live))]
			res, err = c.engine.DeleteTask(ctx, c.model.ids[tag])
			fn = func(*tasks.Result) {
				delete(c.model.titles, tag)
				delete(c.model.ids, tag)
			}

		default:
			tag = live[c.rng.Intn(len(live))]
			title := fmt.Sprintf("client %d edit %d", c.model.client, i)
			res, err = c.engine.UpdateTask(ctx, c.model.ids[tag], schema.TaskPatch{Title: &title})
			fn = func(r *tasks.Result) {
				c.model.ids[tag] = r.Task.ID
				c.model.titles[tag] = title
			}
		}
		out.durations = append(out.durations, time.Since(start))

		switch {
		case errors.Is(err, tasks.ErrTaskSyncing):
			// the record is mid-replay; the change was not made
		case err != nil:
			out.errors++
		case res.Conflict != nil:
			out.conflicts++
		default:
			fn(res)
			if res.Queued {
				out.queued++
			} else {
				out.confirmed++
			}
		}
	}
	return out
}

// verify compares the server collection with every client model.
func verify(server []schema.Task, models []*model) []string {
	byTag := make(map[string][]schema.Task)
	for _, t := range server {
		for _, tag := range t.Tags {
			byTag[tag] = append(byTag[tag], t)
		}
	}

	var out []string
	for _, m := range models {
		for n := 0; n < m.next; n++ {
			tag := m.tag(n)
			want, alive := m.titles[tag]
			got := byTag[tag]
			switch {
			case !alive && len(got) > 0:
				out = append(out, fmt.Sprintf("%s: deleted locally but %d record(s) on server", tag, len(got)))
			case alive && len(got) == 0:
				out = append(out, fmt.Sprintf("%s: missing on server", tag))
			case alive && len(got) > 1:
				out = append(out, fmt.Sprintf("%s: %d duplicate records on server", tag, len(got)))
			case alive && got[0].Title != want:
				out = append(out, fmt.Sprintf("%s: server title %q, want %q", tag, got[0].Title, want))
			}
		}
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}
