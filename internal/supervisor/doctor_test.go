package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kafkabus"
	"github.com/openwhisk/openwhisk-package-kafka/internal/metrics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/registry"
	"github.com/openwhisk/openwhisk-package-kafka/internal/trigger"
	"github.com/openwhisk/openwhisk-package-kafka/internal/webhook"
)

type blockingBus struct{}

func (blockingBus) Subscribe(string) error { return nil }
func (blockingBus) Poll(ctx context.Context) (*kafkabus.Message, error) {
	<-ctx.Done()
	return nil, nil
}
func (blockingBus) Commit([]kafkabus.PartitionOffset) error { return nil }
func (blockingBus) Unsubscribe() error                      { return nil }
func (blockingBus) Close() error                            { return nil }

type noopDB struct{}

func (noopDB) DisableTrigger(context.Context, string, int) error { return nil }

func testDeps() trigger.Deps {
	return trigger.Deps{
		NewBus:       func(trigger.Config) (kafkabus.Adapter, error) { return blockingBus{}, nil },
		Webhook:      webhook.NewClient(false),
		Database:     noopDB{},
		Metrics:      metrics.New(),
		PayloadLimit: trigger.DefaultPayloadLimit,
	}
}

// TestDoctorLeavesHealthyRunningAlone: a trigger polling within the stall
// threshold is never restarted.
func TestDoctorLeavesHealthyRunningAlone(t *testing.T) {
	reg := registry.New(testDeps())
	cfg := trigger.Config{ID: "healthy", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}
	h, err := reg.Create(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Let the worker finish its first poll window so currentState is
	// Running and lastPoll is recent.
	deadline := time.Now().Add(10 * time.Second)
	for h.SecondsSinceLastPoll() < 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never completed a poll window")
		}
		time.Sleep(10 * time.Millisecond)
	}

	doc := New(reg, 1*time.Hour, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	doc.Run(ctx)

	if h.RestartCount() != 0 {
		t.Fatalf("expected no restart for a fresh non-stalled trigger, got %d", h.RestartCount())
	}
	reg.Delete("healthy")
}

// TestDoctorRestartsStalledTrigger: a Running handle whose last completed
// poll is older than the stall threshold gets restarted.
func TestDoctorRestartsStalledTrigger(t *testing.T) {
	reg := registry.New(testDeps())
	cfg := trigger.Config{ID: "stalled", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}
	h, err := reg.Create(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Wait for the first poll window to complete so lastPoll holds a real
	// timestamp instead of the never-polled sentinel.
	deadline := time.Now().Add(10 * time.Second)
	for h.SecondsSinceLastPoll() < 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never completed a poll window")
		}
		time.Sleep(10 * time.Millisecond)
	}

	doc := New(reg, time.Millisecond, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go doc.Run(ctx)

	for h.RestartCount() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("stalled trigger was not restarted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	reg.Delete("stalled")
}

// TestDoctorReapsDeadHandles covers the Dead branch.
func TestDoctorReapsDeadHandles(t *testing.T) {
	reg := registry.New(testDeps())
	cfg := trigger.Config{ID: "dead-one", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}
	h, err := reg.Create(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Shutdown()

	doc := New(reg, time.Hour, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	doc.Run(ctx)

	if _, ok := reg.Get("dead-one"); ok {
		t.Fatalf("expected Dead handle to be reaped")
	}
}

// TestDoctorLeavesDisabledAlone covers the third branch: no restart, no reap.
func TestDoctorLeavesDisabledAlone(t *testing.T) {
	reg := registry.New(testDeps())
	cfg := trigger.Config{ID: "disabled-one", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}
	h, err := reg.Create(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.Disable()
	deadline := time.Now().Add(10 * time.Second)
	for h.CurrentState() != trigger.Disabled {
		if time.Now().After(deadline) {
			t.Fatalf("worker never reached Disabled")
		}
		time.Sleep(time.Millisecond)
	}

	// A Disabled handle is left untouched by a scan, even though its last
	// poll is older than the stall threshold.
	doc := New(reg, time.Millisecond, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	doc.Run(ctx)

	if _, ok := reg.Get("disabled-one"); !ok {
		t.Fatalf("expected handle to remain registered")
	}
	if h.RestartCount() != 0 {
		t.Fatalf("expected no restart for a Disabled trigger, got %d", h.RestartCount())
	}
	reg.Delete("disabled-one")
}
