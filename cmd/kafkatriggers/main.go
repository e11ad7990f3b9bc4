// Command kafkatriggers wires config loading, the trigger registry, the
// supervisor, and the diagnostics HTTP surface together, then waits for a
// termination signal.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwhisk/openwhisk-package-kafka/internal/diagnostics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/kafkabus"
	"github.com/openwhisk/openwhisk-package-kafka/internal/metrics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/payload"
	"github.com/openwhisk/openwhisk-package-kafka/internal/registry"
	"github.com/openwhisk/openwhisk-package-kafka/internal/store"
	"github.com/openwhisk/openwhisk-package-kafka/internal/supervisor"
	"github.com/openwhisk/openwhisk-package-kafka/internal/trigger"
	"github.com/openwhisk/openwhisk-package-kafka/internal/webhook"
)

// triggerFile is the on-disk shape read from TRIGGERS_FILE, for local and
// dev runs that have no admin service to load triggers from.
type triggerFile struct {
	ID                  string   `json:"id"`
	WebhookURL          string   `json:"webhookURL"`
	Brokers             []string `json:"brokers"`
	Topic               string   `json:"topic"`
	IsSecureBus         bool     `json:"isSecureBus"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	EncodeValueAsJSON   bool     `json:"encodeValueAsJSON"`
	EncodeValueAsBase64 bool     `json:"encodeValueAsBase64"`
	EncodeKeyAsBase64   bool     `json:"encodeKeyAsBase64"`
	WrapBase64          bool     `json:"wrapBase64"`
	Inactive            bool     `json:"inactive"`
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	localDev := os.Getenv("LOCAL_DEV") == "True"
	payloadLimit := envInt("PAYLOAD_LIMIT", trigger.DefaultPayloadLimit)
	apiHost := os.Getenv("API_HOST")
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	stallThreshold := time.Duration(envInt("STALL_THRESHOLD_SECONDS", 30)) * time.Second
	doctorInterval := time.Duration(envInt("DOCTOR_INTERVAL_SECONDS", 5)) * time.Second

	m := metrics.New()
	deps := trigger.Deps{
		NewBus:       newSaramaBus,
		Webhook:      webhook.NewClient(localDev),
		Database:     store.NewMemory(),
		Metrics:      m,
		PayloadLimit: payloadLimit,
		APIHost:      apiHost,
	}

	reg := registry.New(deps)
	if path := os.Getenv("TRIGGERS_FILE"); path != "" {
		if err := bootstrapTriggers(reg, path); err != nil {
			logrus.WithError(err).Fatal("failed to bootstrap triggers from TRIGGERS_FILE")
		}
	}

	diag, err := diagnostics.New(listenAddr, reg, m)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start diagnostics server")
	}
	diagErrCh := diag.Start()

	doctor := supervisor.New(reg, stallThreshold, doctorInterval)
	ctx, cancelDoctor := context.WithCancel(context.Background())
	go doctor.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig).Info("received shutdown signal")
	case err := <-diagErrCh:
		if err != nil {
			logrus.WithError(err).Error("diagnostics server exited unexpectedly")
		}
	}

	cancelDoctor()
	diag.Stop()
	for _, h := range reg.List() {
		reg.Delete(h.ID())
	}
}

func bootstrapTriggers(reg *registry.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []triggerFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Inactive {
			logrus.WithField("trigger", e.ID).Info("skipping inactive trigger")
			continue
		}
		cfg := trigger.Config{
			ID:          e.ID,
			WebhookURL:  e.WebhookURL,
			Brokers:     e.Brokers,
			Topic:       e.Topic,
			IsSecureBus: e.IsSecureBus,
			Username:    e.Username,
			Password:    e.Password,
			Active:      true,
			Flags: payload.Flags{
				EncodeValueAsJSON:   e.EncodeValueAsJSON,
				EncodeValueAsBase64: e.EncodeValueAsBase64,
				EncodeKeyAsBase64:   e.EncodeKeyAsBase64,
				WrapBase64:          e.WrapBase64,
			},
		}
		if _, err := reg.Create(cfg); err != nil {
			logrus.WithError(err).WithField("trigger", e.ID).Error("failed to create trigger from bootstrap file")
		}
	}
	return nil
}

func newSaramaBus(cfg trigger.Config) (kafkabus.Adapter, error) {
	return kafkabus.NewSaramaAdapter(kafkabus.Config{
		Brokers:       cfg.Brokers,
		GroupID:       cfg.ID,
		IsSecureBus:   cfg.IsSecureBus,
		Username:      cfg.Username,
		Password:      cfg.Password,
		TLSSkipVerify: os.Getenv("LOCAL_DEV") == "True",
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
