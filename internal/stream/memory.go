package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

type memMessage struct {
	seq     int64
	payload []byte
}

// InMemory is a process-local MessageTransport used when Redis is disabled
// and in tests.
type InMemory struct {
	mu      sync.Mutex
	seq     int64
	maxLen  int
	streams map[string][]memMessage
	notify  chan struct{}
}

// NewInMemory keeps at most maxLen messages per stream, dropping the oldest.
// Zero keeps everything.
func NewInMemory(maxLen int) *InMemory {
	return &InMemory{
		maxLen:  maxLen,
		streams: make(map[string][]memMessage),
		notify:  make(chan struct{}),
	}
}

func (m *InMemory) PublishJSON(_ context.Context, stream string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	msgs := append(m.streams[stream], memMessage{seq: seq, payload: body})
	if m.maxLen > 0 && len(msgs) > m.maxLen {
		msgs = append([]memMessage(nil), msgs[len(msgs)-m.maxLen:]...)
	}
	m.streams[stream] = msgs
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()

	return formatID(seq), nil
}

func (m *InMemory) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	after, err := parseStreamOffset(lastID)
	if err != nil {
		return "", err
	}

	for {
		m.mu.Lock()
		for _, msg := range m.streams[stream] {
			if msg.seq > after {
				m.mu.Unlock()
				if err := json.Unmarshal(msg.payload, dst); err != nil {
					return "", fmt.Errorf("decode message %s: %w", formatID(msg.seq), err)
				}
				return formatID(msg.seq), nil
			}
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return lastID, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of messages held for stream.
func (m *InMemory) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[stream])
}

func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[string][]memMessage)
	return nil
}

func formatID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-0"
}
