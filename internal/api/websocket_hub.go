package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/lib/pq"
)

// EventsChannel is the Postgres NOTIFY channel the donations trigger writes to.
const EventsChannel = "dashboard_events"

const (
	hubBuffer       = 256
	clientBuffer    = 64
	heartbeatPeriod = 25 * time.Second
)

// Event is one message pushed to live clients.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	At   time.Time       `json:"at"`
}

// NewEvent marshals data into an event.
func NewEvent(kind string, data any, at time.Time) (Event, error) {
	ev := Event{Type: kind, At: at.UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = b
	}
	return ev, nil
}

// EventHub fans events out to Server-Sent-Events clients. Events come from
// Postgres LISTEN on EventsChannel and from Publish.
type EventHub struct {
	connStr   string
	clients   map[chan []byte]struct{}
	mu        sync.RWMutex
	broadcast chan []byte
	dropped   atomic.Int64
	log       *logger.Logger
}

// NewEventHub creates a hub. An empty connStr disables the Postgres listener.
func NewEventHub(connStr string) *EventHub {
	return &EventHub{
		connStr:   connStr,
		clients:   make(map[chan []byte]struct{}),
		broadcast: make(chan []byte, hubBuffer),
		log:       logger.With("component", "event_hub"),
	}
}

// Start runs the dispatcher, and the listener when configured, until ctx is
// done.
func (hub *EventHub) Start(ctx context.Context) {
	if hub.connStr != "" {
		go hub.listen(ctx)
	}
	go hub.dispatch(ctx)
}

func (hub *EventHub) listen(ctx context.Context) {
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			hub.log.Warn("pg listener problem", "event", int(ev), "error", errString(err))
		case pq.ListenerEventReconnected:
			hub.log.Info("pg listener reconnected")
		}
	}
	listener := pq.NewListener(hub.connStr, 10*time.Second, time.Minute, report)
	defer listener.Close()

	if err := listener.Listen(EventsChannel); err != nil {
		hub.log.Error("pg listen failed", "channel", EventsChannel, "error", err.Error())
		return
	}
	hub.log.Info("listening for notifications", "channel", EventsChannel)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			// nil after a reconnect; notifications sent meanwhile are lost.
			if n == nil {
				continue
			}
			if !json.Valid([]byte(n.Extra)) {
				hub.log.Warn("dropping non-JSON notification", "channel", n.Channel)
				continue
			}
			hub.enqueue([]byte(n.Extra))
		case <-ping.C:
			go listener.Ping()
		}
	}
}

func (hub *EventHub) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-hub.broadcast:
			hub.mu.RLock()
			for ch := range hub.clients {
				select {
				case ch <- msg:
				default:
					// slow client
					hub.dropped.Add(1)
				}
			}
			hub.mu.RUnlock()
		}
	}
}

// Publish queues ev for every connected client. It never blocks; when the
// queue is full the event is dropped.
func (hub *EventHub) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		hub.log.Warn("event marshal failed", "type", ev.Type, "error", err.Error())
		return
	}
	hub.enqueue(b)
}

func (hub *EventHub) enqueue(b []byte) {
	select {
	case hub.broadcast <- b:
	default:
		hub.dropped.Add(1)
		hub.log.Warn("event queue full, dropping event")
	}
}

// Clients is the number of connected streams.
func (hub *EventHub) Clients() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Dropped counts events not delivered to some client.
func (hub *EventHub) Dropped() int64 { return hub.dropped.Load() }

// HandleSSE streams events until the client goes away.
//
//	GET /ws/updates
func (hub *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// The server's write timeout would cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ch := make(chan []byte, clientBuffer)
	hub.mu.Lock()
	hub.clients[ch] = struct{}{}
	hub.mu.Unlock()
	defer func() {
		hub.mu.Lock()
		delete(hub.clients, ch)
		hub.mu.Unlock()
	}()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg := <-ch:
			w.Write([]byte("data: "))
			w.Write(msg)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
