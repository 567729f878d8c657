package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"plcmonitor/engine"
	"plcmonitor/logging"
)

// SSE event type constants.
const (
	eventConnected = "connected"
	eventRefreshed = "refreshed"
	eventSignals   = "signals"
	eventStatus    = "status"
	eventConfig    = "config"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type   string
	Device string // set when event is device-specific (for filtering)
	Data   interface{}
}

// apiRefresh is the JSON payload for refreshed events.
type apiRefresh struct {
	Device    string `json:"device"`
	Timestamp string `json:"timestamp"`
}

// apiStatusUpdate is the JSON payload for status events.
type apiStatusUpdate struct {
	Device     string `json:"device"`
	State      string `json:"state"`
	Connection string `json:"connection"`
	Identity   int    `json:"identity"`
	Error      string `json:"error,omitempty"`
}

type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// splitFilter parses a comma separated query parameter into a set.
func splitFilter(v string) map[string]bool {
	if v == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// handleSSE serves the /api/events SSE endpoint. Query parameters types and
// devices restrict the stream.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	typeFilter := splitFilter(r.URL.Query().Get("types"))
	deviceFilter := splitFilter(r.URL.Query().Get("devices"))

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: hello\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if deviceFilter != nil && event.Device != "" && !deviceFilter[event.Device] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes the hub to engine events. The returned function
// unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	if h.bus == nil {
		return h.hub.Stop
	}

	id := h.bus.SubscribeTypes(h.forward,
		engine.EventDeviceConnected,
		engine.EventDeviceConnectFailed,
		engine.EventDeviceStarted,
		engine.EventDeviceStopped,
		engine.EventDeviceUpdated,
		engine.EventDeviceRefreshed,
		engine.EventSignalsChanged,
		engine.EventConfigChanged,
	)

	return func() {
		h.bus.Unsubscribe(id)
		h.hub.Stop()
	}
}

// forward translates an engine event into an SSE event. It runs on the
// emitting goroutine and must not block.
func (h *handlers) forward(e engine.Event) {
	if e.Type == engine.EventConfigChanged {
		h.hub.Broadcast(sseEvent{
			Type: eventConfig,
			Data: map[string]string{"timestamp": e.Timestamp.Format(time.RFC3339Nano)},
		})
		return
	}

	switch p := e.Payload.(type) {
	case engine.SignalsEvent:
		h.hub.Broadcast(sseEvent{Type: eventSignals, Device: p.Device, Data: p})

	case engine.DeviceEvent:
		switch e.Type {
		case engine.EventDeviceConnected:
			h.hub.Broadcast(sseEvent{Type: eventConnected, Device: p.Name, Data: p})
		case engine.EventDeviceRefreshed:
			if h.hub.ClientCount() == 0 {
				return
			}
			h.hub.Broadcast(sseEvent{
				Type:   eventRefreshed,
				Device: p.Name,
				Data:   apiRefresh{Device: p.Name, Timestamp: e.Timestamp.Format(time.RFC3339Nano)},
			})
		default:
			update := apiStatusUpdate{Device: p.Name, Error: p.Error, Identity: -1}
			if st, err := h.engine.DeviceStatus(p.Name); err == nil {
				update.State = st.State
				update.Connection = st.Connection
				update.Identity = st.Identity
			}
			h.hub.Broadcast(sseEvent{Type: eventStatus, Device: p.Name, Data: update})
		}
	}
}
