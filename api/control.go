package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"plcmonitor/config"
	"plcmonitor/engine"
)

// writeEngineError maps engine sentinel errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotStarted):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeStatus replies with the device state after a control action.
func (h *handlers) writeStatus(w http.ResponseWriter, name string) {
	st, err := h.engine.DeviceStatus(name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, st)
}

func (h *handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	if err := h.engine.StartDevice(name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeStatus(w, name)
}

func (h *handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	if err := h.engine.StopDevice(name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeStatus(w, name)
}

func (h *handlers) handleToggle(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	running, err := h.engine.ToggleDevice(name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	connection := "Disconnected"
	if st, err := h.engine.DeviceStatus(name); err == nil {
		connection = st.Connection
	}
	h.writeJSON(w, ToggleResponse{Device: name, Running: running, Connection: connection})
}

func (h *handlers) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dc config.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&dc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.engine.CreateDevice(dc); err != nil {
		h.writeEngineError(w, err)
		return
	}
	st, err := h.engine.DeviceStatus(dc.Name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(st)
}

func (h *handlers) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteDevice(name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	name, ok := h.deviceName(w, r)
	if !ok {
		return
	}
	var dc config.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&dc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if dc.Name == "" {
		dc.Name = name
	}
	if err := h.engine.UpdateDevice(name, dc); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeStatus(w, dc.Name)
}
