package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// PushTasksUpdated is the push message type announcing a changed collection.
const PushTasksUpdated = "tasksUpdated"

// PushMessage is a message received on the server push channel.
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PushListener keeps a WebSocket connection to the server push endpoint
// open and reports tasksUpdated messages.
type PushListener struct {
	url    string
	logger *log.Logger

	// ReconnectInitial and ReconnectMax bound the reconnect backoff
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// NewPushListener creates a listener for the push endpoint at url
// (ws:// or wss://).
func NewPushListener(url string, logger *log.Logger) *PushListener {
	if logger == nil {
		logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &PushListener{
		url:              url,
		logger:           logger,
		ReconnectInitial: time.Second,
		ReconnectMax:     time.Minute,
	}
}

// Listen connects and calls onUpdate for every tasksUpdated message until
// ctx is done. Dropped connections are re-dialed with exponential backoff;
// the backoff resets after every successful connect.
func (p *PushListener) Listen(ctx context.Context, onUpdate func()) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.ReconnectInitial
	b.MaxInterval = p.ReconnectMax

	for {
		connected, err := p.session(ctx, onUpdate)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		p.logger.Printf("Push channel dropped (%v), reconnecting in %v", err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the dial
// succeeded.
func (p *PushListener) session(ctx context.Context, onUpdate func()) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", p.url, err)
	}
	defer conn.CloseNow()
	p.logger.Printf("Connected to push channel %s", p.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("failed to read push message: %w", err)
		}

		var msg PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Printf("Ignoring malformed push message: %v", err)
			continue
		}
		if msg.Type == PushTasksUpdated {
			onUpdate()
		}
	}
}
