package trigger

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kafkabus"
	"github.com/openwhisk/openwhisk-package-kafka/internal/metrics"
	"github.com/openwhisk/openwhisk-package-kafka/internal/payload"
	"github.com/openwhisk/openwhisk-package-kafka/internal/store"
	"github.com/openwhisk/openwhisk-package-kafka/internal/webhook"
)

const (
	pollWindow   = 2 * time.Second
	pollDeadline = 1 * time.Second
	idlePause    = 100 * time.Millisecond
	maxRetries   = 6

	// DefaultPayloadLimit is the per-batch byte cap NewWorker applies when it
	// is given a non-positive limit. Matches the PAYLOAD_LIMIT env default.
	DefaultPayloadLimit = 900000
)

// Worker runs the per-trigger poll, batch, fire, commit loop. It never
// lets an error escape its main loop: everything is classified and turned
// into a retry, a commit, or a state transition.
type Worker struct {
	cfg Config
	obs *Observable

	bus     kafkabus.Adapter
	webhook *webhook.Client
	db      store.Database
	metrics *metrics.Metrics

	payloadLimit int
	apiHost      string

	queuedItem *payload.Item
	sleep      func(time.Duration)
}

// NewWorker wires a Worker's collaborators. bus must already be dialed but
// not yet subscribed.
func NewWorker(cfg Config, obs *Observable, bus kafkabus.Adapter, webhookClient *webhook.Client, db store.Database, m *metrics.Metrics, payloadLimit int, apiHost string) *Worker {
	if payloadLimit <= 0 {
		payloadLimit = DefaultPayloadLimit
	}
	return &Worker{
		cfg:          cfg,
		obs:          obs,
		bus:          bus,
		webhook:      webhookClient,
		db:           db,
		metrics:      m,
		payloadLimit: payloadLimit,
		apiHost:      apiHost,
		sleep:        time.Sleep,
	}
}

// Run subscribes to the trigger's topic and runs the main loop until
// desiredState leaves Running. It always records a final currentState and
// tears down the bus adapter before returning.
func (w *Worker) Run() {
	defer w.shutdown()

	if err := w.bus.Subscribe(w.cfg.Topic); err != nil {
		logrus.WithError(err).WithField("trigger", w.cfg.ID).Error("failed to subscribe, worker exiting")
		w.obs.SetCurrentState(Dead)
		return
	}

	for w.obs.DesiredState() == Running {
		batch := w.pollWindow()
		if len(batch) == 0 {
			if w.obs.DesiredState() == Running {
				time.Sleep(idlePause)
			}
			continue
		}
		w.fire(batch)
	}

	w.obs.SetCurrentState(w.obs.DesiredState())
}

func (w *Worker) shutdown() {
	if err := w.bus.Unsubscribe(); err != nil {
		logrus.WithError(err).WithField("trigger", w.cfg.ID).Warn("error unsubscribing")
	}
	if err := w.bus.Close(); err != nil {
		logrus.WithError(err).WithField("trigger", w.cfg.ID).Warn("error closing bus adapter")
	}
}

// pollWindow accumulates a batch for up to pollWindow wall time, honouring
// a carried-over queuedItem first, then polling the bus with a 1s receive
// deadline per message.
func (w *Worker) pollWindow() []payload.Item {
	var batch []payload.Item
	batchBytes := 0
	start := time.Now()

	for time.Since(start) < pollWindow {
		if w.obs.DesiredState() != Running {
			break
		}

		item, ok := w.nextItem()
		if !ok {
			break
		}

		if batchBytes+item.Size > w.payloadLimit {
			if len(batch) > 0 {
				w.queuedItem = &item
				break
			}
			w.dropPoisonMessage(item)
			break
		}

		batch = append(batch, item)
		batchBytes += item.Size
	}

	w.obs.UpdateLastPoll()
	return batch
}

// nextItem returns the next formatted item, or false to end the window
// (empty poll, consumer error, or end-of-partition).
func (w *Worker) nextItem() (payload.Item, bool) {
	if w.queuedItem != nil {
		item := *w.queuedItem
		w.queuedItem = nil
		return item, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollDeadline)
	msg, err := w.bus.Poll(ctx)
	cancel()

	if w.obs.CurrentState() == Initializing {
		w.obs.SetCurrentState(Running)
	}

	if err != nil {
		if errors.Cause(err) == kafkabus.ErrEndOfPartition {
			return payload.Item{}, false
		}
		logrus.WithError(err).WithField("trigger", w.cfg.ID).Error("consumer error, ending poll window")
		return payload.Item{}, false
	}
	if msg == nil {
		return payload.Item{}, false
	}

	item := payload.Format(payload.Raw{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
	}, w.cfg.Flags)
	return item, true
}

func (w *Worker) dropPoisonMessage(item payload.Item) {
	logrus.WithFields(logrus.Fields{
		"trigger":   w.cfg.ID,
		"topic":     item.Raw.Topic,
		"partition": item.Raw.Partition,
		"offset":    item.Raw.Offset,
		"size":      item.Size,
	}).Error("dropping oversized message, committing its offset without firing")
	w.metrics.MessagesSkipped.Inc(1)
	w.commit([]payload.Raw{item.Raw})
}

// fire POSTs a non-empty batch to the webhook and resolves the outcome:
// commit on 2xx, disable on a disabling 4xx, retry-then-skip-and-commit
// otherwise.
func (w *Worker) fire(batch []payload.Item) {
	if len(batch) == 0 || w.obs.DesiredState() != Running {
		return
	}

	raws := make([]payload.Raw, len(batch))
	messages := make([]payload.Message, len(batch))
	totalBytes := 0
	for i, item := range batch {
		raws[i] = item.Raw
		messages[i] = item.Payload
		totalBytes += item.Size
	}
	w.metrics.BatchSize.Update(int64(totalBytes))
	body := payload.Body{Messages: messages}

	targetURL, err := webhook.RewriteHost(w.cfg.WebhookURL, w.apiHost)
	if err != nil {
		logrus.WithError(err).WithField("trigger", w.cfg.ID).Error("failed to rewrite webhook host, using original URL")
		targetURL = w.cfg.WebhookURL
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := w.webhook.Post(context.Background(), targetURL, body)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"trigger": w.cfg.ID, "attempt": attempt}).Warn("webhook call failed, retrying")
			w.backoffSleep(attempt)
			continue
		}

		switch resp.Outcome {
		case webhook.OutcomeSuccess:
			w.metrics.MessagesFired.Inc(int64(len(batch)))
			w.commit(raws)
			return

		case webhook.OutcomeDisable:
			fields := logrus.Fields{"trigger": w.cfg.ID, "status": resp.StatusCode}
			if resp.Dump != nil {
				fields["request_url"] = resp.Dump.RequestURL
				fields["request_body"] = resp.Dump.RequestBody
				fields["response_body"] = resp.Dump.ResponseBody
			}
			logrus.WithFields(fields).Error("webhook returned a disabling status, disabling trigger")
			w.metrics.Disables.Inc(1)
			w.obs.SetDesiredState(Disabled)
			if dbErr := w.db.DisableTrigger(context.Background(), w.cfg.ID, resp.StatusCode); dbErr != nil {
				logrus.WithError(dbErr).WithField("trigger", w.cfg.ID).Error("failed to record disable in database")
			}
			return

		case webhook.OutcomeRetry:
			logrus.WithFields(logrus.Fields{"trigger": w.cfg.ID, "status": resp.StatusCode, "attempt": attempt}).Warn("webhook returned a retriable status")
			w.backoffSleep(attempt)
			continue
		}
	}

	logrus.WithFields(logrus.Fields{"trigger": w.cfg.ID, "count": len(batch)}).Warnf("skipping %d message(s) after %d failed attempts, advancing offsets anyway", len(batch), maxRetries)
	w.metrics.MessagesSkipped.Inc(int64(len(batch)))
	w.commit(raws)
}

func (w *Worker) backoffSleep(attempt int) {
	w.sleep(time.Duration(math.Pow(2, float64(attempt))) * time.Second)
}

func (w *Worker) commit(raws []payload.Raw) {
	offsets := payload.NextOffsets(raws)
	busOffsets := make([]kafkabus.PartitionOffset, len(offsets))
	for i, o := range offsets {
		busOffsets[i] = kafkabus.PartitionOffset{Topic: o.Topic, Partition: o.Partition, Offset: o.Offset}
	}
	if err := w.bus.Commit(busOffsets); err != nil {
		logrus.WithError(err).WithField("trigger", w.cfg.ID).Error("failed to commit offsets")
	}
}
