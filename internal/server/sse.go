package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/internal/integration"
	"github.com/powerhive/nicehash-bridge/pkg/coordinator"
	"github.com/powerhive/nicehash-bridge/pkg/fleet"
)

// keepAlive is how often an idle stream gets a comment line.
const keepAlive = 30 * time.Second

// sseHub manages Server-Sent Events connections.
type sseHub struct {
	clients sync.Map // map[*sseClient]bool
	seq     atomic.Uint64
	lg      zerolog.Logger
}

type sseClient struct {
	id       string
	response http.ResponseWriter
	flusher  http.Flusher
	events   chan []byte
}

// RefreshUpdate is sent after every completed refresh of an entry.
type RefreshUpdate struct {
	EntryID  string              `json:"entry_id"`
	Success  bool                `json:"success"`
	At       time.Time           `json:"at"`
	Error    string              `json:"error,omitempty"`
	Entities []fleet.EntityState `json:"entities"`
}

func newSSEHub(lg zerolog.Logger) *sseHub {
	return &sseHub{lg: lg.With().Str("component", "sse").Logger()}
}

// Count returns the number of connected clients.
func (h *sseHub) Count() int {
	n := 0
	h.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func refreshUpdate(inst *integration.Instance, success bool, at time.Time, err error) RefreshUpdate {
	u := RefreshUpdate{
		EntryID:  inst.Entry.EntryID,
		Success:  success,
		At:       at,
		Entities: inst.Registry.States(),
	}
	if err != nil {
		u.Error = err.Error()
	}
	return u
}

// handleEvents streams one "refresh" event per completed refresh of the
// entry, starting with the current state.
func (h *sseHub) handleEvents(handler *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := handler.instance(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := &sseClient{
			id:       fmt.Sprintf("%s-%d", inst.Entry.EntryID, h.seq.Add(1)),
			response: w,
			flusher:  flusher,
			events:   make(chan []byte, 8),
		}

		h.clients.Store(client, true)
		defer h.clients.Delete(client)

		unsubscribe := inst.Coordinator.Subscribe(func(u coordinator.Update) {
			data, err := json.Marshal(refreshUpdate(inst, u.Success, u.At, u.Err))
			if err != nil {
				return
			}
			select {
			case client.events <- data:
			default:
				h.lg.Warn().Str("client", client.id).Msg("client too slow, dropping event")
			}
		})
		defer unsubscribe()

		h.lg.Debug().Str("client", client.id).Msg("client connected")

		// Send initial data
		c := inst.Coordinator
		h.sendEvent(client, "refresh", refreshUpdate(inst, c.LastUpdateSuccess(), c.LastUpdated(), c.LastError()))

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				h.lg.Debug().Str("client", client.id).Msg("client disconnected")
				return
			case data := <-client.events:
				h.write(client, "refresh", data)
			case <-ticker.C:
				fmt.Fprint(client.response, ": keep-alive\n\n")
				client.flusher.Flush()
			}
		}
	}
}

// sendEvent sends an SSE event to a client.
func (h *sseHub) sendEvent(client *sseClient, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.lg.Error().Err(err).Msg("marshal event")
		return
	}
	h.write(client, eventType, jsonData)
}

func (h *sseHub) write(client *sseClient, eventType string, data []byte) {
	fmt.Fprintf(client.response, "event: %s\n", eventType)
	fmt.Fprintf(client.response, "data: %s\n\n", data)
	client.flusher.Flush()
}
