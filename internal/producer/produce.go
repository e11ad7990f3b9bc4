package producer

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/Shopify/sarama"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kerrors"
)

// Result is the outcome of a single successful produce action.
type Result struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Request is the parsed, validated input to Produce: {brokers, topic,
// value, key?, base64DecodeValue?, base64DecodeKey?, user?, password?,
// kafka_brokers_sasl?}.
type Request struct {
	Brokers           []string
	KafkaBrokersSASL  []string
	Topic             string
	Value             string
	Key               string
	HasKey            bool
	Base64DecodeValue bool
	Base64DecodeKey   bool
	User              string
	Password          string
}

// ParseRequest validates and normalises the raw action parameters. brokers
// may be a []interface{} of strings or a single comma-separated string.
func ParseRequest(params map[string]interface{}) (*Request, error) {
	var missing []string
	for _, req := range []string{"brokers", "topic", "value"} {
		if _, ok := params[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, kerrors.New(kerrors.KindValidation, "You must supply all of the following parameters: "+strings.Join(missing, ", "))
	}

	brokers, err := stringSlice(params["brokers"])
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindValidation, err, "invalid brokers parameter")
	}
	if len(brokers) == 0 {
		return nil, kerrors.New(kerrors.KindValidation, "brokers must not be empty")
	}
	if _, isCSV := params["brokers"].(string); isCSV {
		// Spreads load across brokers when the caller hands us a single
		// comma-separated string rather than a pre-ordered list.
		brokers = shuffledCopy(brokers)
	}

	topic, _ := params["topic"].(string)
	if topic == "" {
		return nil, kerrors.New(kerrors.KindValidation, "topic must not be empty")
	}

	value, _ := params["value"].(string)
	if value == "" {
		return nil, kerrors.New(kerrors.KindValidation, "value must not be empty")
	}

	req := &Request{
		Brokers:  brokers,
		Topic:    topic,
		Value:    value,
		User:     stringOr(params["user"], ""),
		Password: stringOr(params["password"], ""),
	}

	if sasl, ok := params["kafka_brokers_sasl"]; ok {
		saslBrokers, err := stringSlice(sasl)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.KindValidation, err, "invalid kafka_brokers_sasl parameter")
		}
		req.KafkaBrokersSASL = saslBrokers
	}

	if raw, ok := params["key"]; ok {
		key, _ := raw.(string)
		req.Key = key
		req.HasKey = true
	}

	req.Base64DecodeValue, _ = params["base64DecodeValue"].(bool)
	req.Base64DecodeKey, _ = params["base64DecodeKey"].(bool)

	if req.Base64DecodeValue {
		decoded, err := base64.StdEncoding.DecodeString(req.Value)
		if err != nil || len(decoded) == 0 {
			return nil, kerrors.New(kerrors.KindValidation, "value is not valid non-empty base64")
		}
		req.Value = string(decoded)
	}
	if req.HasKey && req.Base64DecodeKey {
		decoded, err := base64.StdEncoding.DecodeString(req.Key)
		if err != nil || len(decoded) == 0 {
			return nil, kerrors.New(kerrors.KindValidation, "key is not valid non-empty base64")
		}
		req.Key = string(decoded)
	}

	return req, nil
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func stringSlice(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("broker list entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return append([]string(nil), t...), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// shuffledCopy returns a random-order copy of a broker list.
func shuffledCopy(in []string) []string {
	out := append([]string(nil), in...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// sortedJoin joins a broker list in sorted order.
func sortedJoin(in []string) string {
	cp := append([]string(nil), in...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

// maxAcquireAttempts bounds the acquire-producer retry loop; each attempt
// goes back through the cache.
const maxAcquireAttempts = 3

// Produce resolves a producer from cache, sends one message, and awaits
// broker acknowledgement.
func Produce(cache *Cache, req *Request) (*Result, error) {
	connParams := ConnParams{
		ConnectBrokers:  req.Brokers,
		CacheKeyBrokers: req.KafkaBrokersSASL,
		User:            req.User,
		Password:        req.Password,
	}

	var prod sarama.SyncProducer
	var err error
	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		prod, err = cache.Get(connParams)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	msg := &sarama.ProducerMessage{
		Topic: req.Topic,
		Value: sarama.StringEncoder(req.Value),
	}
	if req.HasKey {
		msg.Key = sarama.StringEncoder(req.Key)
	}

	partition, offset, err := prod.SendMessage(msg)
	if err != nil {
		return nil, classifySendErr(err)
	}

	return &Result{Topic: req.Topic, Partition: partition, Offset: offset}, nil
}

func classifySendErr(err error) error {
	if pe, ok := err.(*sarama.ProducerError); ok {
		err = pe.Err
	}
	if err == sarama.ErrRequestTimedOut {
		return kerrors.Wrap(kerrors.KindTimeout, err, "timed out waiting for delivery")
	}
	return kerrors.Wrap(kerrors.KindInternal, err, "failed to produce message")
}
