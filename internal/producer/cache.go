// Package producer implements the bounded cache of reusable sync producers
// and the one-shot produce action that draws from it.
package producer

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/eapache/go-resiliency/breaker"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kerrors"
)

// DefaultCapacity is the cache's maximum size.
const DefaultCapacity = 10

const (
	connectTimeout = 15 * time.Second
	deliveryWait   = 20 * time.Second
	evictTimeout   = 1 * time.Second
)

// ConnParams names both broker lists a produce call can carry: the ones
// actually dialed (brokers) and the ones that key the cache
// (kafka_brokers_sasl). These are distinct request fields; when
// CacheKeyBrokers is empty the key falls back to ConnectBrokers.
type ConnParams struct {
	ConnectBrokers  []string
	CacheKeyBrokers []string
	User            string
	Password        string
}

func (p ConnParams) cacheKeyBrokers() []string {
	if len(p.CacheKeyBrokers) > 0 {
		return p.CacheKeyBrokers
	}
	return p.ConnectBrokers
}

// connectionKey is brokers sorted and comma-joined (neutralising
// caller-side shuffling), concatenated with user:password.
func connectionKey(p ConnParams) string {
	brokers := append([]string(nil), p.cacheKeyBrokers()...)
	sort.Strings(brokers)
	return strings.Join(brokers, ",") + "|" + p.User + ":" + p.Password
}

type cacheEntry struct {
	key      string
	client   sarama.Client
	producer sarama.SyncProducer
}

// Cache is a bounded, mutex-guarded map of reusable sync producers keyed
// by connection credentials.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
	order    []string // oldest-first; eviction picks order[0]
	breakers map[string]*breaker.Breaker
	dial     func(ConnParams) (sarama.Client, sarama.SyncProducer, error)
}

// NewCache builds a cache with the given capacity. A capacity <= 0 falls
// back to DefaultCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		breakers: make(map[string]*breaker.Breaker),
		dial:     dialSyncProducer,
	}
}

func dialSyncProducer(p ConnParams) (sarama.Client, sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = connectTimeout
	cfg.Net.ReadTimeout = connectTimeout
	cfg.Net.WriteTimeout = connectTimeout
	cfg.Producer.Timeout = deliveryWait
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Version = sarama.V2_6_0_0

	if p.User != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = p.User
		cfg.Net.SASL.Password = p.Password
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.TLS.Enable = true
	}

	client, err := sarama.NewClient(p.ConnectBrokers, cfg)
	if err != nil {
		return nil, nil, classifyConnectErr(err)
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, nil, classifyConnectErr(err)
	}
	return client, prod, nil
}

func classifyConnectErr(err error) error {
	switch errors.Cause(err) {
	case sarama.ErrOutOfBrokers, sarama.ErrClosedClient:
		return kerrors.Wrap(kerrors.KindNoBrokersAvailable, err, "no brokers available")
	default:
		if err == sarama.ErrSASLAuthenticationFailed {
			return kerrors.Wrap(kerrors.KindAuthenticationFailed, err, "authentication failed")
		}
		return kerrors.Wrap(kerrors.KindInternal, err, "failed to connect producer")
	}
}

// Get returns a cached producer for params, dialing and inserting one on
// a miss. A miss at capacity evicts the oldest entry before inserting.
func (c *Cache) Get(params ConnParams) (sarama.SyncProducer, error) {
	key := connectionKey(params)
	correlationID := uuid.NewString()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.producer, nil
	}
	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	br, ok := c.breakers[key]
	if !ok {
		br = breaker.New(3, 1, 30*time.Second)
		c.breakers[key] = br
	}
	c.mu.Unlock()

	var client sarama.Client
	var prod sarama.SyncProducer
	err := br.Run(func() error {
		var dialErr error
		client, prod, dialErr = c.dial(params)
		return dialErr
	})
	if err == breaker.ErrBreakerOpen {
		return nil, kerrors.Wrap(kerrors.KindNoBrokersAvailable, err, "producer breaker open for "+key)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{key: key, client: client, producer: prod}
	c.order = append(c.order, key)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{"connection": key, "correlation_id": correlationID}).Debug("producer cache miss: dialed new producer")
	return prod, nil
}

// evictOldestLocked must be called with c.mu held. It removes the oldest
// entry and closes its producer with a best-effort 1s deadline.
func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	entry, ok := c.entries[oldest]
	if !ok {
		return
	}
	delete(c.entries, oldest)
	closeWithDeadline(entry)
}

func closeWithDeadline(entry *cacheEntry) {
	done := make(chan struct{})
	go func() {
		if entry.producer != nil {
			entry.producer.Close()
		}
		if entry.client != nil {
			entry.client.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(evictTimeout):
		logrus.WithField("connection", entry.key).Warn("producer close did not finish within 1s deadline, abandoning")
	}
}

// Close tears down every cached producer. Used on process shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		closeWithDeadline(entry)
		delete(c.entries, key)
	}
	c.order = nil
}

// Len reports the current number of cached entries (test/diagnostics use).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
