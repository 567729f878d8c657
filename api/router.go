// Package api provides the REST API and event stream for device state.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"plcmonitor/config"
	"plcmonitor/engine"
	"plcmonitor/schema"
)

// Engine is the device surface the API serves. *engine.Engine satisfies it.
type Engine interface {
	ListDevices() []engine.DeviceStatus
	FindDevices(q engine.DeviceQuery) []engine.DeviceStatus
	DeviceStatus(name string) (engine.DeviceStatus, error)
	Signals(name string) ([]schema.Signal, time.Time, error)
	StartDevice(name string) error
	StopDevice(name string) error
	ToggleDevice(name string) (bool, error)
	CreateDevice(dc config.DeviceConfig) error
	UpdateDevice(name string, dc config.DeviceConfig) error
	DeleteDevice(name string) error
}

var _ Engine = (*engine.Engine)(nil)

// SignalsResponse is the JSON response for a device's current signals.
type SignalsResponse struct {
	Device    string          `json:"device"`
	Signals   []schema.Signal `json:"signals"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ToggleResponse reports the state after a toggle.
type ToggleResponse struct {
	Device     string `json:"device"`
	Running    bool   `json:"running"`
	Connection string `json:"connection"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine Engine
	bus    *engine.EventBus
	hub    *eventHub
}

// NewRouter creates the REST API router. The returned cleanup function
// detaches the event stream from bus; bus may be nil.
func NewRouter(eng Engine, bus *engine.EventBus) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, bus: bus, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/events", h.handleSSE)

	r.Get("/devices", h.handleListDevices)
	r.Post("/devices", h.handleCreateDevice)
	r.Route("/devices/{name}", func(r chi.Router) {
		r.Get("/", h.handleDevice)
		r.Put("/", h.handleUpdateDevice)
		r.Delete("/", h.handleDeleteDevice)
		r.Get("/signals", h.handleSignals)
		r.Post("/start", h.handleStart)
		r.Post("/stop", h.handleStop)
		r.Post("/toggle", h.handleToggle)
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// deviceName returns the unescaped {name} parameter.
func (h *handlers) deviceName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in device name")
		return "", false
	}
	return name, true
}

// deviceQuery parses the q, address, rack and slot filters of GET /devices.
func deviceQuery(r *http.Request) (engine.DeviceQuery, bool, error) {
	v := r.URL.Query()
	q := engine.DeviceQuery{Text: v.Get("q"), Address: v.Get("address")}
	for _, p := range []struct {
		key string
		dst **int
	}{{"rack", &q.Rack}, {"slot", &q.Slot}} {
		s := v.Get(p.key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, false, fmt.Errorf("invalid %s %q", p.key, s)
		}
		*p.dst = &n
	}
	filtered := q.Text != "" || q.Address != "" || q.Rack != nil || q.Slot != nil
	return q, filtered, nil
}

func (h *handlers) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q, filtered, err := deviceQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var list []engine.DeviceStatus
	if filtered {
		list = h.engine.FindDevices(q)
	} else {
		list = h.engine.ListDevices()
	}
	if list == nil {
		list = []engine.DeviceStatus{}
	}
	h.writeJSON(w, list)
}

func (h *handlers) handleDevice(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	st, err := h.engine.DeviceStatus(name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, st)
}

func (h *handlers) handleSignals(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	signals, at, err := h.engine.Signals(name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	resp := SignalsResponse{Device: name, Signals: signals}
	if resp.Signals == nil {
		resp.Signals = []schema.Signal{}
	}
	if !at.IsZero() {
		resp.Timestamp = at.Format(time.RFC3339Nano)
	}
	h.writeJSON(w, resp)
}
