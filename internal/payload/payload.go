// Package payload formats raw bus messages into webhook payloads, sizes
// them against the per-batch byte cap, and computes the next-offset commit
// list for a batch.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Flags bundle the per-trigger encode/format switches from the trigger
// config.
type Flags struct {
	EncodeValueAsJSON   bool
	EncodeValueAsBase64 bool
	EncodeKeyAsBase64   bool
	WrapBase64          bool
}

// Raw is a single message as received from the bus, before formatting.
type Raw struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Message is the per-message shape that goes into the webhook body's
// "messages" array.
type Message struct {
	Value     interface{} `json:"value"`
	Topic     string      `json:"topic"`
	Partition int32       `json:"partition"`
	Offset    int64       `json:"offset"`
	Key       interface{} `json:"key"`
}

// Body is the webhook request body: {"messages": [...]}.
type Body struct {
	Messages []Message `json:"messages"`
}

// Item is a batch item: the raw message, its formatted payload, and the
// payload's encoded byte size.
type Item struct {
	Raw     Raw
	Payload Message
	Size    int
}

// PartitionOffset is a next-offset-to-consume commit target.
type PartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Format builds the Item for a raw message. Base64 encoding of the value
// takes precedence over JSON parsing; keys are base64-encoded or passed
// through raw.
func Format(raw Raw, flags Flags) Item {
	msg := Message{
		Value:     formatValue(raw.Value, flags),
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Key:       formatKey(raw.Key, flags),
	}
	size, _ := json.Marshal(msg) // size is the only use; error is unreachable for this shape
	return Item{Raw: raw, Payload: msg, Size: len(size)}
}

// Size returns the JSON-encoded byte length of a single formatted payload,
// used to enforce the per-batch cap.
func Size(msg Message) int {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(b)
}

func formatValue(raw []byte, flags Flags) interface{} {
	if flags.EncodeValueAsBase64 {
		return encodeBase64(raw, flags.WrapBase64)
	}

	text := strings.ToValidUTF8(string(raw), "�")

	if flags.EncodeValueAsJSON {
		var parsed interface{}
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed
		}
		// Non-JSON text still ships, as a JSON string literal.
		return text
	}
	return text
}

func formatKey(key []byte, flags Flags) interface{} {
	if key == nil {
		return nil
	}
	if flags.EncodeKeyAsBase64 {
		return encodeBase64(key, flags.WrapBase64)
	}
	return string(key)
}

// encodeBase64 emits the line-wrapped legacy variant when wrap is set:
// standard alphabet, a newline inserted every 64 characters, trailing
// whitespace trimmed. When wrap is false it is the ordinary single-line
// encoding.
func encodeBase64(value []byte, wrap bool) string {
	encoded := base64.StdEncoding.EncodeToString(value)
	if !wrap {
		return encoded
	}
	return wrapLines(encoded, 64)
}

func wrapLines(s string, width int) string {
	if len(s) <= width {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s[i:end])
	}
	return strings.TrimSpace(b.String())
}

// NextOffsets computes the next-offset-to-consume commit list for a batch:
// for every (topic, partition) touched, max(offset)+1.
func NextOffsets(items []Raw) []PartitionOffset {
	type key struct {
		topic     string
		partition int32
	}
	maxOffset := make(map[key]int64)
	order := make([]key, 0, len(items))
	for _, it := range items {
		k := key{it.Topic, it.Partition}
		if prev, ok := maxOffset[k]; !ok || it.Offset > prev {
			if !ok {
				order = append(order, k)
			}
			maxOffset[k] = it.Offset
		}
	}
	result := make([]PartitionOffset, 0, len(order))
	for _, k := range order {
		result = append(result, PartitionOffset{Topic: k.topic, Partition: k.partition, Offset: maxOffset[k] + 1})
	}
	return result
}
