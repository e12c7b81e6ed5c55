package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// QueueKeyPrefix namespaces persisted deferred requests in the store.
const QueueKeyPrefix = "queue:"

const tracerName = "github.com/mschirtzinger/tasksync/internal/transport"

// Config holds HTTP executor settings.
type Config struct {
	// BaseURL of the task server, e.g. "http://localhost:3000".
	BaseURL string

	// Timeout per request (default: 10s).
	Timeout time.Duration

	// HealthPath probed for connectivity (default: "/health").
	HealthPath string

	// MaxAttempts before a queued request fails terminally (default: 5).
	MaxAttempts int

	// RetryInitial and RetryMax bound the backoff between replay attempts
	// within a single drain (defaults: 200ms, 5s).
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Storage persists the queue across restarts. Nil keeps it in memory.
	Storage store.Storage

	// Client overrides the HTTP client. Its Timeout is left as given.
	Client *http.Client

	// Logger for executor operations (default: stderr with [transport] prefix).
	Logger *log.Logger

	// Tracer for request spans (default: the global otel tracer).
	Tracer trace.Tracer
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:3000",
		Timeout:      10 * time.Second,
		HealthPath:   "/health",
		MaxAttempts:  5,
		RetryInitial: 200 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

// HTTPExecutor implements Executor over net/http.
type HTTPExecutor struct {
	cfg    Config
	client *http.Client
	logger *log.Logger
	tracer trace.Tracer

	online atomic.Bool

	mu     sync.Mutex
	q      pqueue
	byID   map[string]*item
	seq    uint64
	recent map[string]*Response // last good GET responses for Meta.UseCache

	drainMu sync.Mutex
	drained chan DrainReport
}

// NewHTTP creates an executor and restores any queue persisted in
// cfg.Storage.
//
// Example:
//
//	cfg := transport.DefaultConfig()
//	cfg.BaseURL = "https://tasks.example.com"
//	cfg.Storage = st
//	exec, err := transport.NewHTTP(ctx, cfg)
func NewHTTP(ctx context.Context, cfg Config) (*HTTPExecutor, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	e := &HTTPExecutor{
		cfg:     cfg,
		client:  client,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		byID:    make(map[string]*item),
		recent:  make(map[string]*Response),
		drained: make(chan DrainReport, 16),
	}
	e.online.Store(true)

	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// restore loads persisted deferred requests in enqueue order.
func (e *HTTPExecutor) restore(ctx context.Context) error {
	if e.cfg.Storage == nil {
		return nil
	}

	keys, err := e.cfg.Storage.Keys(ctx, QueueKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list persisted queue: %w", err)
	}

	var restored []*queue.Deferred
	for _, k := range keys {
		raw, err := e.cfg.Storage.Load(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", k, err)
		}
		var d queue.Deferred
		if err := json.Unmarshal(raw, &d); err != nil {
			e.logger.Printf("Warning: dropping corrupt queue entry %s: %v", k, err)
			_ = e.cfg.Storage.Remove(ctx, k)
			continue
		}
		restored = append(restored, &d)
	}

	sort.SliceStable(restored, func(i, j int) bool {
		return restored[i].EnqueuedAt.Before(restored[j].EnqueuedAt)
	})

	e.mu.Lock()
	for _, d := range restored {
		e.pushLocked(d)
	}
	e.mu.Unlock()

	if len(restored) > 0 {
		e.logger.Printf("Restored %d queued request(s)", len(restored))
	}
	return nil
}

func (e *HTTPExecutor) pushLocked(d *queue.Deferred) *Ticket {
	e.seq++
	it := &item{d: d, ticket: newTicket(d), seq: e.seq}
	e.q.push(it)
	e.byID[d.ID] = it
	return it.ticket
}

// Fetch implements Executor.
func (e *HTTPExecutor) Fetch(ctx context.Context, req queue.Request, meta Meta) (*Response, error) {
	if !e.online.Load() {
		if cached := e.cached(req, meta); cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrOffline)
	}

	resp, err := e.do(ctx, req, meta.Context, meta.Priority)
	if err != nil {
		if IsOffline(err) {
			if cached := e.cached(req, meta); cached != nil {
				return cached, nil
			}
		}
		return nil, err
	}

	if req.Method == http.MethodGet {
		e.mu.Lock()
		e.recent[req.Path] = resp
		e.mu.Unlock()
	}
	return resp, nil
}

func (e *HTTPExecutor) cached(req queue.Request, meta Meta) *Response {
	if !meta.UseCache || req.Method != http.MethodGet {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, ok := e.recent[req.Path]
	if !ok {
		return nil
	}
	cp := *resp
	cp.FromCache = true
	return &cp
}

// do performs one HTTP exchange and classifies failures.
func (e *HTTPExecutor) do(ctx context.Context, req queue.Request, callSite string, priority int) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "tasksync.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.String("tasksync.context", callSite),
			attribute.Int("tasksync.priority", priority),
		))
	defer span.End()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, e.cfg.BaseURL+req.Path, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		err = e.classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	e.setOnline(true)

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s %s: failed to read body: %w: %w", req.Method, req.Path, ErrTransport, err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		serr := &StatusError{
			StatusCode: httpResp.StatusCode,
			Method:     req.Method,
			Path:       req.Path,
			Body:       strings.TrimSpace(string(data)),
		}
		span.SetStatus(codes.Error, http.StatusText(httpResp.StatusCode))
		return nil, serr
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// classify maps a client error onto the taxonomy. Unreachable servers mark
// the executor offline.
func (e *HTTPExecutor) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if (errors.As(err, &opErr) && opErr.Op == "dial") || errors.As(err, &dnsErr) {
		e.setOnline(false)
		return fmt.Errorf("%w: %w", ErrOffline, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (e *HTTPExecutor) setOnline(online bool) {
	if prev := e.online.Swap(online); prev != online {
		if online {
			e.logger.Printf("Connectivity restored")
		} else {
			e.logger.Printf("Server unreachable, switching to offline mode")
		}
	}
}

// IsOnline implements Executor.
func (e *HTTPExecutor) IsOnline() bool {
	return e.online.Load()
}

// Probe implements Executor.
func (e *HTTPExecutor) Probe(ctx context.Context) bool {
	_, err := e.do(ctx, queue.ReadRequest(e.cfg.HealthPath), "probe", 0)
	if err == nil {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		// the server answered; only 5xx counts as down
		online := serr.StatusCode < 500
		e.setOnline(online)
		return online
	}
	e.setOnline(false)
	return false
}

// Enqueue implements Executor.
func (e *HTTPExecutor) Enqueue(ctx context.Context, d *queue.Deferred) (*Ticket, error) {
	if d == nil {
		return nil, fmt.Errorf("deferred request is nil")
	}
	cp := *d
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now()
	}

	if err := e.persist(ctx, &cp); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.byID[cp.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("request %s is already queued", cp.ID)
	}
	ticket := e.pushLocked(&cp)
	n := e.q.Len()
	e.mu.Unlock()

	e.logger.Printf("Queued %s %s (priority %d, %d queued)", cp.Operation, cp.TaskID, cp.Priority, n)
	return ticket, nil
}

func (e *HTTPExecutor) persist(ctx context.Context, d *queue.Deferred) error {
	if e.cfg.Storage == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred request: %w", err)
	}
	if err := e.cfg.Storage.Save(ctx, QueueKeyPrefix+d.ID, data); err != nil {
		return fmt.Errorf("failed to persist deferred request: %w", err)
	}
	return nil
}

func (e *HTTPExecutor) unpersist(ctx context.Context, id string) {
	if e.cfg.Storage == nil {
		return
	}
	if err := e.cfg.Storage.Remove(ctx, QueueKeyPrefix+id); err != nil {
		e.logger.Printf("Warning: failed to remove persisted request %s: %v", id, err)
	}
}

// Cancel implements Executor.
func (e *HTTPExecutor) Cancel(ctx context.Context, id string) bool {
	e.mu.Lock()
	it, ok := e.byID[id]
	if ok {
		e.q.remove(it)
		delete(e.byID, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	e.unpersist(ctx, id)
	it.ticket.complete(nil, ErrCancelled)
	e.logger.Printf("Cancelled queued %s %s", it.d.Operation, it.d.TaskID)
	return true
}

// QueueStatus implements Executor.
func (e *HTTPExecutor) QueueStatus() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.q.ordered()
	st := QueueStatus{Count: len(items), Requests: make([]queue.Deferred, 0, len(items))}
	for _, it := range items {
		st.Requests = append(st.Requests, *it.d)
	}
	return st
}

// ClearQueue implements Executor.
func (e *HTTPExecutor) ClearQueue(ctx context.Context) error {
	e.mu.Lock()
	items := e.q.ordered()
	e.q = nil
	e.byID = make(map[string]*item)
	e.mu.Unlock()

	for _, it := range items {
		it.ticket.complete(nil, ErrCancelled)
	}
	if e.cfg.Storage != nil {
		if err := e.cfg.Storage.Clear(ctx, QueueKeyPrefix); err != nil {
			return fmt.Errorf("failed to clear persisted queue: %w", err)
		}
	}
	if len(items) > 0 {
		e.logger.Printf("Cleared %d queued request(s)", len(items))
	}
	return nil
}

// Pending implements Executor.
func (e *HTTPExecutor) Pending() []*Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.q.ordered()
	out := make([]*Ticket, 0, len(items))
	for _, it := range items {
		out = append(out, it.ticket)
	}
	return out
}

// Drained implements Executor.
func (e *HTTPExecutor) Drained() <-chan DrainReport {
	return e.drained
}

// ProcessQueue implements Executor.
//
// Requests are replayed highest priority first. A request that fails with a
// retryable error is retried with exponential backoff until MaxAttempts; an
// unreachable server stops the drain and leaves the rest queued.
func (e *HTTPExecutor) ProcessQueue(ctx context.Context) (DrainReport, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	report := DrainReport{At: time.Now()}

	if !e.online.Load() && !e.Probe(ctx) {
		report.Remaining = e.queueLen()
		return report, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			report.Remaining = e.queueLen()
			return report, err
		}

		e.mu.Lock()
		it := e.q.pop()
		if it != nil {
			delete(e.byID, it.d.ID)
		}
		e.mu.Unlock()
		if it == nil {
			break
		}

		report.Processed++
		resp, err := e.replay(ctx, it.d)
		switch {
		case err == nil:
			report.Succeeded++
			e.unpersist(ctx, it.d.ID)
			it.ticket.complete(resp, nil)

		case IsOffline(err) || ctx.Err() != nil:
			// put it back and stop
			report.Processed--
			e.requeue(ctx, it)
			report.Remaining = e.queueLen()
			report.Online = e.online.Load()
			e.logger.Printf("Drain interrupted: %v", err)
			e.publish(report)
			return report, nil

		default:
			report.Failed++
			e.unpersist(ctx, it.d.ID)
			e.logger.Printf("Queued %s %s failed after %d attempt(s): %v", it.d.Operation, it.d.TaskID, it.d.Attempts, err)
			it.ticket.complete(nil, err)
		}
	}

	report.Remaining = e.queueLen()
	report.Online = e.online.Load()
	if report.Processed > 0 {
		e.logger.Printf("Drained queue: %d succeeded, %d failed, %d remaining", report.Succeeded, report.Failed, report.Remaining)
	}
	e.publish(report)
	return report, nil
}

func (e *HTTPExecutor) replay(ctx context.Context, d *queue.Deferred) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = e.cfg.RetryMax

	op := func() (*Response, error) {
		d.Attempts++
		resp, err := e.do(ctx, d.Request, "replay:"+string(d.Operation), d.Priority)
		if err == nil {
			return resp, nil
		}
		if IsOffline(err) || !IsRetryable(err) || d.Attempts >= e.cfg.MaxAttempts {
			return nil, backoff.Permanent(err)
		}
		e.logger.Printf("Retrying %s %s (attempt %d): %v", d.Operation, d.TaskID, d.Attempts, err)
		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)))
}

func (e *HTTPExecutor) requeue(ctx context.Context, it *item) {
	if err := e.persist(ctx, it.d); err != nil {
		e.logger.Printf("Warning: %v", err)
	}
	e.mu.Lock()
	e.q.push(it)
	e.byID[it.d.ID] = it
	e.mu.Unlock()
}

func (e *HTTPExecutor) queueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Len()
}

func (e *HTTPExecutor) publish(r DrainReport) {
	if r.Processed == 0 {
		return
	}
	select {
	case e.drained <- r:
	default:
		e.logger.Printf("Warning: drain report dropped, no reader")
	}
}
