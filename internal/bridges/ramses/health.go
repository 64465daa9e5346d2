package ramses

import (
	"cmp"
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	DefaultHealthInterval = 30 * time.Second

	// DefaultStaleAfter is how long the gateway may go without a frame
	// before the bridge calls itself degraded. A fan announces 31D9 every
	// few minutes, so a working link is never this quiet.
	DefaultStaleAfter = 10 * time.Minute
)

// HealthPublisher is the part of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// EngineStatus is the engine view summarised in health messages.
type EngineStatus interface {
	Stats() EngineStats
	Addresses() Addresses
}

// HealthReporterConfig configures a HealthReporter. Zero durations take
// the defaults above; an empty BridgeID is ProtocolName.
type HealthReporterConfig struct {
	BridgeID   string
	Version    string
	Interval   time.Duration
	StaleAfter time.Duration

	// Transport is "mqtt" or "serial".
	Transport string

	Publisher HealthPublisher
	Engine    EngineStatus
}

// HealthReporter publishes a retained HealthMessage on HealthTopic
// every interval and once more, as "stopping", on Stop.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logMu sync.RWMutex
	log   Logger
}

func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	cfg.BridgeID = cmp.Or(cfg.BridgeID, ProtocolName)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &HealthReporter{cfg: cfg, started: time.Now()}
}

// Start publishes the current status now and then every interval until
// ctx ends or Stop is called. Call it once.
func (h *HealthReporter) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		tick := time.NewTicker(h.cfg.Interval)
		defer tick.Stop()
		for {
			if err := h.PublishNow(); err != nil {
				h.logError("health publish failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
		}
	}()
}

// Stop ends the loop and publishes "stopping". Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		if err := h.publish(HealthStopping, ""); err != nil {
			h.logError("health publish failed", err)
		}
	})
}

func (h *HealthReporter) SetLogger(logger Logger) {
	h.logMu.Lock()
	h.log = logger
	h.logMu.Unlock()
}

// PublishStarting announces the bridge before the engine is up.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.status())
}

// status ranks problems: no broker, then no engine, then a gateway that
// has gone quiet. Before the first frame the quiet period counts from
// start-up.
func (h *HealthReporter) status() (HealthStatus, string) {
	switch {
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case h.cfg.Engine == nil:
		return HealthUnhealthy, "engine not running"
	}

	last := h.cfg.Engine.Stats().LastActivity
	if last.IsZero() {
		last = h.started
	}
	if time.Since(last) > h.cfg.StaleAfter {
		return HealthDegraded, "gateway silent"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var stats EngineStats
	var known int
	var gateway Address
	if h.cfg.Engine != nil {
		stats = h.cfg.Engine.Stats()
		addrs := h.cfg.Engine.Addresses()
		for _, role := range []Role{RoleRemote, RoleFan, RoleCO2} {
			if !addrs.Get(role).IsEmpty() {
				known++
			}
		}
		gateway = addrs.Gateway
	}

	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, status, stats, known, h.started)
	msg.Reason = reason
	msg.Connection.Transport = h.cfg.Transport
	if !gateway.IsEmpty() {
		msg.Connection.Address = gateway.String()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.logMu.RLock()
	log := h.log
	h.logMu.RUnlock()
	if log != nil {
		log.Error(msg, "error", err)
	}
}
