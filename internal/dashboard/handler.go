package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/events"
)

// StatsData contains running sync counters
type StatsData struct {
	Queued    int        `json:"queued"`
	Confirmed int        `json:"confirmed"`
	Failed    int        `json:"failed"`
	Conflicts int        `json:"conflicts"`
	Resolved  int        `json:"resolved"`
	Syncs     int        `json:"syncs"`
	Online    bool       `json:"online"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
}

// Handler turns engine events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting through server. New clients
// receive the current stats on connect.
func NewHandler(server *Server, online bool, logger *log.Logger) *Handler {
	if logger == nil {
		logger = DefaultConfig().Logger
	}
	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{Online: online},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// Run forwards bus events until ctx is done or the bus closes.
func (h *Handler) Run(ctx context.Context, bus *events.Bus) {
	sub, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			h.OnEvent(e)
		}
	}
}

// OnEvent updates the counters and broadcasts e followed by the stats.
func (h *Handler) OnEvent(e events.Event) {
	h.mu.Lock()
	switch e.Type {
	case events.MutationQueued:
		h.stats.Queued++
	case events.MutationConfirmed:
		h.stats.Confirmed++
	case events.MutationFailed:
		h.stats.Failed++
	case events.ConflictDetected:
		h.stats.Conflicts++
	case events.ConflictResolved:
		h.stats.Resolved++
	case events.SyncCompleted:
		h.stats.Syncs++
		ts := e.Timestamp
		h.stats.LastSync = &ts
	case events.ConnectivityChanged:
		if online, ok := e.Data.(bool); ok {
			h.stats.Online = online
		}
	case events.CacheCleared:
		h.stats = StatsData{Online: h.stats.Online}
	}
	h.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", e.Type, err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeEvent, Timestamp: e.Timestamp, TaskID: e.TaskID, Data: data})
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
