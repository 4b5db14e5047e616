// Package sse streams session progress events to dashboards.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	WriteTimeout = 2 * time.Second
	// HeartbeatInterval is how often idle streams get a comment line.
	HeartbeatInterval = 30 * time.Second
)

// Event types.
const (
	EventTurn            = "turn"
	EventTopicChanged    = "topic_changed"
	EventReportGenerated = "report_generated"
	EventReportFailed    = "report_failed"
	EventSessionEnded    = "session_ended"
	EventRegistered      = "session_registered"
)

// Event is one progress notification for a session.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	NotebookID string    `json:"notebookId,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	ReportID   string    `json:"reportId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Client represents a connected SSE client. An empty SessionID receives
// every event.
type Client struct {
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan struct{}
	ID        string
	SessionID string

	writeMu sync.Mutex
}

// Broadcaster manages SSE client connections and event fan-out.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient adds a client following sessionID, or every session when empty.
func (b *Broadcaster) AddClient(w http.ResponseWriter, sessionID string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:        fmt.Sprintf("client-%d", b.nextID),
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
		SessionID: sessionID,
	}
	b.clients[client.ID] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", client.ID).
		Str("sessionId", sessionID).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection. Safe to call more than once.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	if !exists {
		return
	}
	select {
	case <-client.Done:
	default:
		close(client.Done)
	}

	log.Debug().
		Str("clientId", client.ID).
		Int("totalClients", clientCount).
		Msg("SSE client disconnected")
}

// Publish sends an event to every client following its session.
// Writes run concurrently with a timeout; clients that fail are dropped.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		if client.SessionID == "" || client.SessionID == ev.SessionID {
			clients = append(clients, client)
		}
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		dead []*Client
	)
	for _, client := range clients {
		c := client
		g.Go(func() error {
			if !b.writeToClient(c, message) {
				mu.Lock()
				dead = append(dead, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range dead {
		b.RemoveClient(c)
	}
}

// writeToClient writes one message, reporting false when the client is dead.
func (b *Broadcaster) writeToClient(client *Client, message string) bool {
	result := make(chan error, 1)
	go func() {
		client.writeMu.Lock()
		defer client.writeMu.Unlock()
		_, err := client.Writer.Write([]byte(message))
		if err == nil {
			client.Flusher.Flush()
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Str("clientId", client.ID).Err(err).Msg("Failed to write to SSE client")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", client.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out")
		return false
	case <-client.Done:
		return true
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE streams events; ?session=<id> limits the stream to one session.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w, r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	if !b.writeToClient(client, fmt.Sprintf("event: connected\ndata: {\"clientId\":%q}\n\n", client.ID)) {
		return
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-heartbeat.C:
			if !b.writeToClient(client, ": ping\n\n") {
				return
			}
		}
	}
}
