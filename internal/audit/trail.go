package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ember-trading/ember/internal/bus"
)

// Entry is one recorded bus event. The journal keeps the decision
// chain around a trade inspectable after the fact: which signals
// fired, what the manager did, and why a position closed.
type Entry struct {
	Seq       int64     `json:"seq"`
	Topic     string    `json:"topic"`
	Mint      string    `json:"mint,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   string    `json:"payload"` // JSON of the full event
}

// journalled is the default set of topics worth keeping. Raw token
// updates are excluded: at feed rates they would push everything else
// out of the buffer.
var journalled = []bus.Topic{
	bus.TopicTokenAdded,
	bus.TopicTokenStateChanged,
	bus.TopicReadyForPosition,
	bus.TopicRecoveryGainTooHigh,
	bus.TopicWashTradingDetected,
	bus.TopicFrequentRelationship,
	bus.TopicSuspiciousGroup,
	bus.TopicPositionOpened,
	bus.TopicPositionPartialExit,
	bus.TopicPositionClosed,
	bus.TopicQueueOverflow,
	bus.TopicPriceError,
	bus.TopicMaxRetriesExceeded,
}

// Trail subscribes to the bus and keeps the most recent entries in a
// fixed FIFO buffer.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	maxBuf  int
	seq     int64
}

// NewTrail creates a Trail recording the journalled topics. maxBuf
// caps the in-memory buffer; the oldest entries are discarded first.
func NewTrail(b *bus.Bus, maxBuf int) *Trail {
	if maxBuf <= 0 {
		maxBuf = 1024
	}
	t := &Trail{
		entries: make([]Entry, 0, maxBuf),
		maxBuf:  maxBuf,
	}
	for _, topic := range journalled {
		topic := topic
		b.Subscribe(topic, func(payload any) { t.record(topic, payload) })
	}
	return t
}

func (t *Trail) record(topic bus.Topic, payload any) {
	raw := mustMarshal(payload)

	entry := Entry{
		Topic:     string(topic),
		Mint:      extractMint(raw),
		Timestamp: time.Now(),
		Payload:   raw,
	}

	t.mu.Lock()
	t.seq++
	entry.Seq = t.seq
	if len(t.entries) >= t.maxBuf {
		copy(t.entries, t.entries[1:])
		t.entries[len(t.entries)-1] = entry
	} else {
		t.entries = append(t.entries, entry)
	}
	t.mu.Unlock()
}

// Query returns the buffered entries for one mint, oldest first.
func (t *Trail) Query(mint string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.Mint == mint {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the whole buffer, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Recorded reports how many entries have ever been recorded,
// including those already evicted.
func (t *Trail) Recorded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

func extractMint(payload string) string {
	var fields struct {
		Mint string `json:"mint"`
	}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return ""
	}
	return fields.Mint
}

func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload failed")
		return "{}"
	}
	return string(data)
}
