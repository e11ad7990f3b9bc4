// Package kafkabus defines the messaging-client adapter contract and a
// github.com/Shopify/sarama-backed implementation of it. The contract is
// deliberately narrow (subscribe/poll/commit/unsubscribe/close) because
// the trigger worker only ever needs a single topic, single logical
// subscriber view of the bus.
package kafkabus

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kerrors"
)

// ErrEndOfPartition is the benign "caught up, nothing more right now"
// signal. Adapters may also simply return (nil, nil) from Poll for the
// same situation; the sarama adapter does the latter since sarama has no
// distinct EOF event on its per-partition consumer.
var ErrEndOfPartition = errors.New("kafkabus: end of partition")

// Message is a single consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// PartitionOffset names a commit target: the next offset to consume.
type PartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Adapter is the messaging-client contract consumed by the trigger worker.
type Adapter interface {
	// Subscribe binds the adapter to a single topic.
	Subscribe(topic string) error
	// Poll waits for the next message until ctx is done, returning
	// (nil, nil) if nothing arrived in time.
	Poll(ctx context.Context) (*Message, error)
	// Commit advances the consumed offset for each listed partition to
	// the given (next-to-consume) offset, synchronously.
	Commit(offsets []PartitionOffset) error
	Unsubscribe() error
	Close() error
}

// Config describes how to connect and which credentials/flags apply.
type Config struct {
	Brokers       []string
	GroupID       string
	IsSecureBus   bool
	Username      string
	Password      string
	TLSSkipVerify bool
}

// SaramaAdapter is the concrete Adapter backed by a low-level per-partition
// sarama.Consumer plus a sarama.OffsetManager for manual commits. There is
// exactly one logical subscriber per trigger, so the full consumer-group
// rebalance protocol buys nothing here.
type SaramaAdapter struct {
	client        sarama.Client
	consumer      sarama.Consumer
	offsetManager sarama.OffsetManager

	topic string

	mu                 sync.Mutex
	partitionConsumers map[int32]sarama.PartitionConsumer
	offsetManagers     map[int32]sarama.PartitionOffsetManager

	messages chan *Message
	errs     chan error
	closed   bool
}

// NewSaramaAdapter dials the cluster and prepares (but does not yet
// subscribe) a consumer for later use.
func NewSaramaAdapter(cfg Config) (*SaramaAdapter, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_6_0_0
	saramaCfg.Net.DialTimeout = 15 * time.Second
	saramaCfg.Net.ReadTimeout = 15 * time.Second
	saramaCfg.Net.WriteTimeout = 15 * time.Second
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	if cfg.IsSecureBus {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		saramaCfg.Net.SASL.User = cfg.Username
		saramaCfg.Net.SASL.Password = cfg.Password
		saramaCfg.Net.TLS.Enable = true
		saramaCfg.Net.TLS.Config = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
	}

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, classifyDial(err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, classifyDial(err)
	}
	offsetMgr, err := sarama.NewOffsetManagerFromClient(cfg.GroupID, client)
	if err != nil {
		consumer.Close()
		client.Close()
		return nil, classifyDial(err)
	}

	return &SaramaAdapter{
		client:             client,
		consumer:           consumer,
		offsetManager:      offsetMgr,
		partitionConsumers: make(map[int32]sarama.PartitionConsumer),
		offsetManagers:     make(map[int32]sarama.PartitionOffsetManager),
		messages:           make(chan *Message, 256),
		errs:               make(chan error, 16),
	}, nil
}

func classifyDial(err error) error {
	switch errors.Cause(err) {
	case sarama.ErrOutOfBrokers, sarama.ErrClosedClient:
		return kerrors.Wrap(kerrors.KindNoBrokersAvailable, err, "no brokers available")
	default:
		if err == sarama.ErrSASLAuthenticationFailed {
			return kerrors.Wrap(kerrors.KindAuthenticationFailed, err, "authentication failed")
		}
		return kerrors.Wrap(kerrors.KindInternal, err, "failed to connect to bus")
	}
}

// Subscribe fans out every partition of topic into the shared messages/errs
// channels.
func (a *SaramaAdapter) Subscribe(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.topic = topic
	partitions, err := a.client.Partitions(topic)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, err, "failed to list partitions for "+topic)
	}

	for _, p := range partitions {
		pom, err := a.offsetManager.ManagePartition(topic, p)
		if err != nil {
			return kerrors.Wrap(kerrors.KindInternal, err, "failed to open offset manager")
		}
		offset, _ := pom.NextOffset()
		if offset < 0 {
			offset = sarama.OffsetNewest
		}

		pc, err := a.consumer.ConsumePartition(topic, p, offset)
		if err != nil {
			pom.AsyncClose()
			return kerrors.Wrap(kerrors.KindInternal, err, "failed to consume partition")
		}

		a.partitionConsumers[p] = pc
		a.offsetManagers[p] = pom

		go a.pump(pc)
	}
	return nil
}

func (a *SaramaAdapter) pump(pc sarama.PartitionConsumer) {
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			a.messages <- &Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			select {
			case a.errs <- err:
			default:
			}
		}
	}
}

// Poll waits for the next message or for ctx to expire. A timed-out ctx
// and an empty bus both return (nil, nil); the worker ends its polling
// window either way.
func (a *SaramaAdapter) Poll(ctx context.Context) (*Message, error) {
	select {
	case m := <-a.messages:
		return m, nil
	case err := <-a.errs:
		return nil, kerrors.Wrap(kerrors.KindInternal, err, "error polling bus")
	case <-ctx.Done():
		return nil, nil
	}
}

// Commit marks and force-commits every listed partition offset
// synchronously.
func (a *SaramaAdapter) Commit(offsets []PartitionOffset) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, po := range offsets {
		pom, ok := a.offsetManagers[po.Partition]
		if !ok {
			continue
		}
		pom.MarkOffset(po.Offset, "")
	}
	a.offsetManager.Commit()
	return nil
}

// Unsubscribe closes every partition consumer and offset manager, but
// leaves the underlying client connected.
func (a *SaramaAdapter) Unsubscribe() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for p, pc := range a.partitionConsumers {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.partitionConsumers, p)
	}
	for p, pom := range a.offsetManagers {
		pom.AsyncClose()
		delete(a.offsetManagers, p)
	}
	return firstErr
}

// Close shuts down the offset manager, consumer, and client. It is
// idempotent and nil-safe so the worker can call it unconditionally on
// every exit path.
func (a *SaramaAdapter) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var firstErr error
	if a.offsetManager != nil {
		if err := a.offsetManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
