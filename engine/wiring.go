package engine

import (
	"time"

	"plcmonitor/logging"
	"plcmonitor/plcman"
	"plcmonitor/schema"
)

// onUpdate returns the subscriber bound to a device's loop. It runs on the
// loop's dispatch goroutine.
func (e *Engine) onUpdate(name string) plcman.UpdateFunc {
	return func(ev plcman.Event) {
		switch ev.Kind {
		case plcman.EventConnected:
			// A new session republishes every signal on its first read.
			if st := e.state(name); st != nil {
				st.reset()
			}
			e.logFn("%s: connected (identity %d)", name, ev.Code)
			e.emit(EventDeviceConnected, DeviceEvent{Name: name, Code: int(ev.Code)})
			e.publishHealth(name, true, plcman.StatePolling.String(), "")

		case plcman.EventConnectFailed:
			msg := ""
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			e.logFn("%s: connect failed: %s", name, msg)
			e.emit(EventDeviceConnectFailed, DeviceEvent{Name: name, Error: msg})
			e.publishHealth(name, false, plcman.StateStopped.String(), msg)

		case plcman.EventRefreshed:
			e.handleRefresh(name, ev)
		}
	}
}

func (e *Engine) handleRefresh(name string, ev plcman.Event) {
	st := e.state(name)
	if st == nil {
		return
	}
	if len(ev.Data) < st.schema.MinSize() {
		logging.DebugLog("engine", "%s: %d bytes is short for schema %s", name, len(ev.Data), st.schema.Name)
		return
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	changed := st.apply(schema.NewView(st.schema, ev.Data).Signals(), at)
	e.emit(EventDeviceRefreshed, DeviceEvent{Name: name})
	if len(changed) == 0 {
		return
	}

	logging.DebugLog("engine", "%s: %d signals changed", name, len(changed))
	if e.metrics != nil {
		e.metrics.ObserveSignals(name, changed)
	}
	e.emit(EventSignalsChanged, SignalsEvent{Device: name, Signals: changed})

	for _, s := range e.sinks {
		if s.AnyRunning() {
			s.PublishSignals(name, changed)
		}
	}
}

// republish sends the last known signals of every device to one sink,
// used when the sink (re)connects.
func (e *Engine) republish(s Sink) {
	e.statesMu.RLock()
	names := make([]string, 0, len(e.states))
	for name := range e.states {
		names = append(names, name)
	}
	e.statesMu.RUnlock()

	for _, name := range names {
		st := e.state(name)
		if st == nil {
			continue
		}
		if signals, _ := st.snapshot(); len(signals) > 0 {
			s.PublishSignals(name, signals)
		}
	}
	logging.DebugLog("engine", "Republished %d devices to %s", len(names), s.Name())
}

func (e *Engine) publishHealth(name string, online bool, status, errMsg string) {
	for _, s := range e.sinks {
		if s.AnyRunning() {
			s.PublishHealth(name, online, status, errMsg)
		}
	}
}

// publishHealthLoop publishes device health to all sinks periodically.
func (e *Engine) publishHealthLoop() {
	ticker := time.NewTicker(e.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishAllHealth()
		}
	}
}

// publishAllHealth publishes the connection state of every device.
func (e *Engine) publishAllHealth() {
	for _, d := range e.plcMan.List() {
		state := d.Loop.State()
		errMsg := ""
		if err := d.Loop.Stats().LastError; err != nil {
			errMsg = err.Error()
		}
		e.publishHealth(d.Device.Name, state == plcman.StatePolling, state.String(), errMsg)
	}
}
