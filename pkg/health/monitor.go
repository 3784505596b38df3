package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"sharddb/pkg/clock"
	"sharddb/pkg/config"
	"sharddb/pkg/listener"
	"sharddb/pkg/metrics"
	"sharddb/pkg/registry"
	"sharddb/pkg/types"
)

const probeAttempts = 3 // попыток на один цикл пробы, с backoff между ними

// Monitor runs one periodic probe loop per shard and drives the
// Healthy -> Degraded -> Unreachable state machine with hysteresis.
// Probe failures never crash a loop; they only escalate state.
type Monitor struct {
	reg *registry.Registry
	cfg config.HealthConfig
	clk clock.Clock
	met metrics.Collector

	// onLost fires once per outage after the shard has been
	// Unreachable for the configured grace period.
	onLost func(types.ShardID)

	mu    sync.Mutex
	loops map[types.ShardID]context.CancelFunc

	events *listener.Listener[registry.Event]
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewMonitor(reg *registry.Registry, cfg config.HealthConfig, clk clock.Clock, met metrics.Collector) *Monitor {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if met == nil {
		met = metrics.Nop{}
	}
	return &Monitor{
		reg:   reg,
		cfg:   cfg,
		clk:   clk,
		met:   met,
		loops: map[types.ShardID]context.CancelFunc{},
	}
}

// SetOnLost registers the "shard lost" callback. Must be called before
// Start.
func (m *Monitor) SetOnLost(cb func(types.ShardID)) {
	m.onLost = cb
}

// Start spawns a probe loop for every current shard and watches the
// registry for membership deltas.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	for _, rec := range m.reg.All() {
		m.startLoop(ctx, rec.ID)
	}

	m.events = listener.New(m.reg.Subscribe(), func(ev registry.Event) error {
		switch ev.Kind {
		case registry.ShardAdded:
			m.startLoop(ctx, ev.Record.ID)
		case registry.ShardRemoved:
			m.stopLoop(ev.Record.ID)
		}
		return nil
	})
	m.events.Start(ctx)
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.events != nil {
		m.events.Stop()
	}
	m.wg.Wait()
}

func (m *Monitor) startLoop(ctx context.Context, id types.ShardID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[id]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loops[id] = cancel

	m.wg.Add(1)
	go m.run(loopCtx, id)
}

func (m *Monitor) stopLoop(id types.ShardID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.loops[id]; ok {
		cancel()
		delete(m.loops, id)
	}
}

// run - цикл проб одного шарда.
func (m *Monitor) run(ctx context.Context, id types.ShardID) {
	defer m.wg.Done()

	var (
		state        = types.Healthy
		consecFails  int
		consecOKs    int
		downSince    time.Time
		lostReported bool
	)

	ticker := time.NewTicker(m.cfg.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec, err := m.reg.Get(id)
		if err != nil {
			// шард уже убран из реестра
			return
		}

		started := m.clk.Now()
		probeErr := m.probe(ctx, rec)
		latency := time.Since(started)

		if probeErr != nil {
			consecFails++
			consecOKs = 0
		} else {
			consecOKs++
			consecFails = 0
		}

		prev := state
		switch state {
		case types.Healthy:
			if consecFails >= m.cfg.FailureThreshold {
				state = types.Degraded
				consecFails = 0
			}
		case types.Degraded:
			if probeErr == nil {
				state = types.Healthy
			} else if consecFails >= m.cfg.FailureThreshold {
				state = types.Unreachable
				downSince = m.clk.Now()
				lostReported = false
			}
		case types.Unreachable:
			// один успешный ping не возвращает Healthy сразу:
			// ждём подтверждённую серию, чтобы не флапать
			if consecOKs >= m.cfg.RecoveryThreshold {
				state = types.Healthy
			}
		}

		if state != prev {
			slog.Info("shard health transition",
				"shard", id, "from", prev.String(), "to", state.String())
			m.met.IncCounter("health_transitions_total",
				map[string]string{"shard": string(id), "to": state.String()}, 1)
		}

		load := float64(latency.Milliseconds())
		if err := m.reg.SetHealth(id, state, load, m.clk.Now()); err != nil {
			return
		}

		if state == types.Unreachable && !lostReported &&
			m.clk.Now().Sub(downSince) >= m.cfg.LostGrace() {
			lostReported = true
			slog.Warn("shard lost", "shard", id, "down_since", downSince)
			if m.onLost != nil {
				m.onLost(id)
			}
		}
	}
}

// probe pings the shard, retrying with bounded backoff inside one
// probe round.
func (m *Monitor) probe(ctx context.Context, rec registry.ShardRecord) error {
	backoff := m.cfg.ProbeTimeout() / 2

	var err error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if attempt > 0 {
			// джиттер, чтобы пробы не синхронизировались между собой
			jitter := time.Duration(fastrand.Uint32n(uint32(backoff/time.Millisecond)+1)) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout())
		err = rec.Backend.Ping(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
