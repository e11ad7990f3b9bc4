package trigger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kafkabus"
	"github.com/openwhisk/openwhisk-package-kafka/internal/metrics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/store"
	"github.com/openwhisk/openwhisk-package-kafka/internal/webhook"
)

// restartJoinTimeout bounds Handle.Restart's wait for the old Worker to
// drain: one poll window, one webhook POST timeout and the longest single
// backoff sleep. A worker deep in its retry ladder can take longer than
// this. A wedged worker must not hang the Doctor forever.
const restartJoinTimeout = pollWindow + 10*time.Second + 64*time.Second

// Deps bundles the process-wide collaborators every Handle/Worker shares.
type Deps struct {
	NewBus       func(Config) (kafkabus.Adapter, error)
	Webhook      *webhook.Client
	Database     store.Database
	Metrics      *metrics.Metrics
	PayloadLimit int
	APIHost      string
}

// Handle is the owner-side facade over a Worker: start/shutdown/disable/
// restart, and observable state for the Supervisor and diagnostics
// surface.
type Handle struct {
	cfg  Config
	deps Deps

	mu           sync.Mutex
	obs          *Observable
	wg           sync.WaitGroup
	restartCount int

	// restartMu serializes Restart so overlapping supervisor scans cannot
	// join and respawn the same worker twice.
	restartMu sync.Mutex
}

// NewHandle builds a Handle for cfg. Start must be called before the
// trigger does anything.
func NewHandle(cfg Config, deps Deps) *Handle {
	return &Handle{cfg: cfg, deps: deps}
}

func (h *Handle) ID() string { return h.cfg.ID }

func (h *Handle) currentObs() *Observable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.obs
}

// Start dials a fresh bus adapter and spawns the Worker goroutine.
func (h *Handle) Start() error {
	bus, err := h.deps.NewBus(h.cfg)
	if err != nil {
		return err
	}

	obs := NewObservable()
	h.mu.Lock()
	h.obs = obs
	h.mu.Unlock()

	w := NewWorker(h.cfg, obs, bus, h.deps.Webhook, h.deps.Database, h.deps.Metrics, h.deps.PayloadLimit, h.deps.APIHost)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		w.Run()
	}()
	return nil
}

func (h *Handle) CurrentState() State { return h.currentObs().CurrentState() }
func (h *Handle) DesiredState() State { return h.currentObs().DesiredState() }

func (h *Handle) LastPoll() time.Time           { return h.currentObs().LastPoll() }
func (h *Handle) SecondsSinceLastPoll() float64 { return h.currentObs().SecondsSinceLastPoll() }

func (h *Handle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restartCount
}

// Disable asks the Worker to leave its loop and record Disabled as its
// final state.
func (h *Handle) Disable() {
	if obs := h.currentObs(); obs != nil {
		obs.SetDesiredState(Disabled)
	}
}

// Shutdown drains the Worker. If the trigger is already Disabled there is
// no live Worker to drain, so currentState flips straight to Dead.
func (h *Handle) Shutdown() {
	obs := h.currentObs()
	if obs == nil {
		return
	}
	if obs.CurrentState() == Disabled {
		obs.SetCurrentState(Dead)
		return
	}
	obs.SetCurrentState(Stopping)
	obs.SetDesiredState(Dead)
	h.wg.Wait()
	obs.SetCurrentState(Dead)
}

// Restart is only ever invoked by the Supervisor. It joins the current
// Worker (bounded wait) and, unless desiredState became Dead in the
// meantime, spawns a fresh one with the same immutable config. There is
// never more than one live Worker per trigger.
func (h *Handle) Restart() error {
	h.restartMu.Lock()
	defer h.restartMu.Unlock()

	obs := h.currentObs()
	if obs == nil || obs.DesiredState() == Dead {
		return nil
	}

	h.mu.Lock()
	h.restartCount++
	h.mu.Unlock()
	h.deps.Metrics.Restarts.Inc(1)

	obs.SetDesiredState(Restart)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(restartJoinTimeout):
		logrus.WithField("trigger", h.cfg.ID).Error("worker join timed out during restart, abandoning old goroutine")
	}

	if obs.DesiredState() == Dead {
		return nil
	}
	return h.Start()
}
