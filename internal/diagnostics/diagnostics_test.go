package diagnostics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
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

func TestHealthzAndTriggersEndpoints(t *testing.T) {
	deps := trigger.Deps{
		NewBus:       func(trigger.Config) (kafkabus.Adapter, error) { return blockingBus{}, nil },
		Webhook:      webhook.NewClient(false),
		Database:     noopDB{},
		Metrics:      metrics.New(),
		PayloadLimit: trigger.DefaultPayloadLimit,
	}
	reg := registry.New(deps)
	if _, err := reg.Create(trigger.Config{ID: "diag-1", Topic: "T", Brokers: []string{"b1"}, WebhookURL: "https://h/hook"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reg.Delete("diag-1")

	srv, err := New("127.0.0.1:0", reg, deps.Metrics)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	errCh := srv.Start()
	defer srv.Stop()

	addr := srv.listener.Addr().String()
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health map[string]string
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("expected status ok, got %#v", health)
	}

	resp2, err := http.Get("http://" + addr + "/triggers")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp2.Body.Close()
	var views []triggerView
	body2, _ := io.ReadAll(resp2.Body)
	if err := json.Unmarshal(body2, &views); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 1 || views[0].ID != "diag-1" {
		t.Fatalf("unexpected triggers listing: %#v", views)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected server error: %v", err)
		}
	default:
	}
}
