// Package engine binds acquisition loops to signal views and to the
// republishing sinks. The HTTP API and the CLI are thin consumers of it.
package engine

import (
	"fmt"
	"sync"
	"time"

	"plcmonitor/config"
	"plcmonitor/influx"
	"plcmonitor/kafka"
	"plcmonitor/logging"
	"plcmonitor/metrics"
	"plcmonitor/mqtt"
	"plcmonitor/plcman"
	"plcmonitor/schema"
	"plcmonitor/valkey"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Sink receives changed signals and device health. Implementations must not
// block for long: they are called on a loop's dispatch goroutine.
type Sink interface {
	Name() string
	PublishSignals(device string, signals []schema.Signal)
	PublishHealth(device string, online bool, status, errMsg string)
	AnyRunning() bool
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string // empty disables persistence
	LogFunc    LogFunc

	// Connectors overrides how device connectors are built.
	Connectors plcman.ConnectorFactory
	// Sinks are added to the configured MQTT, Valkey, Kafka and InfluxDB sinks.
	Sinks []Sink
	// HealthInterval is the health publishing period. Default 10s.
	HealthInterval time.Duration
}

// Engine centralizes device orchestration: it owns the loop registry, the
// last evaluated signals of every device and the sinks they feed.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	plcMan    *plcman.Manager
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	influxMgr *influx.Manager
	metrics   *metrics.Metrics

	sinks          []Sink
	extraSinks     []Sink
	connectors     plcman.ConnectorFactory
	healthInterval time.Duration

	Events *EventBus

	statesMu sync.RWMutex
	states   map[string]*deviceState

	configListener config.ConfigListenerID

	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a new Engine. Call Start() to create the managers.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	interval := c.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	cfg := c.AppConfig
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Engine{
		cfg:            cfg,
		configPath:     c.ConfigPath,
		logFn:          logFn,
		extraSinks:     c.Sinks,
		connectors:     c.Connectors,
		healthInterval: interval,
		Events:         NewEventBus(),
		states:         make(map[string]*deviceState),
		stopChan:       make(chan struct{}),
	}
}

// loopOptions maps the acquisition settings onto loop options.
func loopOptions(cfg *config.Config) []plcman.Option {
	return []plcman.Option{
		plcman.WithPollInterval(cfg.PollInterval),
		plcman.WithReadTimeout(cfg.ReadTimeout),
		plcman.WithReconnectDelay(cfg.ReconnectDelay),
		plcman.WithSnapshotCopy(cfg.CopyOnRefresh),
	}
}

// Start creates all managers, registers the configured devices and starts
// the enabled sinks. Devices are not polled until StartEnabled or
// StartDevice is called.
func (e *Engine) Start() error {
	if e.started {
		return nil
	}
	cfg := e.cfg

	e.plcMan = plcman.NewManager(loopOptions(cfg)...)
	if e.connectors != nil {
		e.plcMan.SetConnectorFactory(e.connectors)
	}
	e.plcMan.SetOnLog(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})
	if err := e.plcMan.LoadFromConfig(cfg); err != nil {
		return fmt.Errorf("register devices: %w", err)
	}
	for _, d := range e.plcMan.List() {
		if err := e.track(d.Device.Name, d.Schema); err != nil {
			return err
		}
	}

	e.metrics = metrics.New(e.plcMan)

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	e.valkeyMgr = valkey.NewManager()
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	e.valkeyMgr.SetOnConnectCallback(func() {
		e.republish(e.valkeyMgr)
	})

	e.kafkaMgr = kafka.NewManager()
	e.kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)
	e.metrics.WatchKafka(e.kafkaMgr)

	e.influxMgr = influx.NewManager()
	e.influxMgr.LoadFromConfig(cfg.Influx, cfg.Namespace)

	e.sinks = []Sink{e.mqttMgr, e.valkeyMgr, e.kafkaMgr, e.influxMgr}
	e.sinks = append(e.sinks, e.extraSinks...)

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.republish(e.mqttMgr)
		}
	}()
	go e.valkeyMgr.StartAll()
	go func() {
		e.kafkaMgr.ConnectEnabled()
		for _, st := range e.kafkaMgr.Stats() {
			if st.LastError != nil {
				e.logFn("Kafka %s: %v", st.Name, st.LastError)
			}
		}
	}()
	go e.influxMgr.StartAll()

	go e.publishHealthLoop()

	e.configListener = cfg.AddOnChangeListener(func() {
		e.emit(EventConfigChanged, nil)
	})

	e.started = true
	logging.DebugLog("engine", "Started with %d devices", len(e.plcMan.List()))
	return nil
}

// Stop halts every loop, then the sinks. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.configListener != "" {
			e.cfg.RemoveOnChangeListener(e.configListener)
		}

		if e.plcMan != nil {
			e.plcMan.StopAll()
		}
		if e.mqttMgr != nil {
			e.mqttMgr.StopAll()
		}
		if e.valkeyMgr != nil {
			e.valkeyMgr.StopAll()
		}
		if e.kafkaMgr != nil {
			e.kafkaMgr.StopAll()
		}
		if e.influxMgr != nil {
			e.influxMgr.StopAll()
		}
	})
}

func (e *Engine) GetConfig() *config.Config      { return e.cfg }
func (e *Engine) GetConfigPath() string           { return e.configPath }
func (e *Engine) GetPLCMan() *plcman.Manager      { return e.plcMan }
func (e *Engine) GetMQTTMgr() *mqtt.Manager       { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager   { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager     { return e.kafkaMgr }
func (e *Engine) GetInfluxMgr() *influx.Manager   { return e.influxMgr }
func (e *Engine) GetMetrics() *metrics.Metrics    { return e.metrics }

// saveConfig is a helper that saves and unlocks. The caller holds the lock.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	if err := e.cfg.UnlockAndSave(e.configPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
