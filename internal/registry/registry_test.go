package registry

import (
	"context"
	"testing"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kafkabus"
	"github.com/openwhisk/openwhisk-package-kafka/internal/metrics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/trigger"
	"github.com/openwhisk/openwhisk-package-kafka/internal/webhook"
)

type stubBus struct{}

func (stubBus) Subscribe(string) error                              { return nil }
func (stubBus) Poll(ctx context.Context) (*kafkabus.Message, error) { <-ctx.Done(); return nil, nil }
func (stubBus) Commit([]kafkabus.PartitionOffset) error             { return nil }
func (stubBus) Unsubscribe() error                                  { return nil }
func (stubBus) Close() error                                        { return nil }

type stubDB struct{}

func (stubDB) DisableTrigger(context.Context, string, int) error { return nil }

func testDeps() trigger.Deps {
	return trigger.Deps{
		NewBus:       func(trigger.Config) (kafkabus.Adapter, error) { return stubBus{}, nil },
		Webhook:      webhook.NewClient(false),
		Database:     stubDB{},
		Metrics:      metrics.New(),
		PayloadLimit: trigger.DefaultPayloadLimit,
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	r := New(testDeps())
	cfg := trigger.Config{ID: "t1", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}

	if _, err := r.Create(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Create(cfg); err == nil {
		t.Fatalf("expected error on duplicate create")
	}
	r.Delete("t1")
}

func TestDeleteRemovesFromRegistry(t *testing.T) {
	r := New(testDeps())
	cfg := trigger.Config{ID: "t2", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}
	if _, err := r.Create(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Delete("t2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get("t2"); ok {
		t.Fatalf("expected trigger to be gone after delete")
	}
}

func TestListReturnsEveryHandle(t *testing.T) {
	r := New(testDeps())
	for i := 0; i < 5; i++ {
		cfg := trigger.Config{ID: string(rune('a' + i)), Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}
		if _, err := r.Create(cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(r.List()) != 5 {
		t.Fatalf("expected 5 handles, got %d", len(r.List()))
	}
	for i := 0; i < 5; i++ {
		r.Delete(string(rune('a' + i)))
	}
}
