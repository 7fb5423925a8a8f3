package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		expected  int64
		expectErr bool
	}{
		{name: "empty string", input: "", expected: 0},
		{name: "zero", input: "0", expected: 0},
		{name: "positive integer", input: "123", expected: 123},
		{name: "compound id", input: "123-0", expected: 123},
		{name: "non-numeric", input: "abc", expectErr: true},
		{name: "whitespace trimmed", input: "  42  ", expected: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result, err := parseStreamOffset(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

type testStringer struct{ value string }

func (s testStringer) String() string { return s.value }

func TestStreamPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     any
		expected  []byte
		expectErr bool
	}{
		{name: "string", input: "hello", expected: []byte("hello")},
		{name: "bytes", input: []byte("world"), expected: []byte("world")},
		{name: "stringer", input: testStringer{value: "from-stringer"}, expected: []byte("from-stringer")},
		{name: "unsupported type", input: 42, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result, err := streamPayload(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not supported")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

type entryMsg struct {
	Action string `json:"action"`
	Seq    int    `json:"seq"`
}

func TestInMemory_PublishReadRoundtrip(t *testing.T) {
	t.Parallel()

	s := NewInMemory(0)
	defer s.Close()
	ctx := context.Background()

	id, err := s.PublishJSON(ctx, "custody:history", entryMsg{Action: "Mint"})
	require.NoError(t, err)
	assert.Equal(t, "1-0", id)

	var dst entryMsg
	next, err := s.ReadJSON(ctx, "custody:history", "0", &dst)
	require.NoError(t, err)
	assert.Equal(t, "Mint", dst.Action)
	assert.Equal(t, id, next)
}

func TestInMemory_OrderPreservedAcrossReads(t *testing.T) {
	t.Parallel()

	s := NewInMemory(0)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := s.PublishJSON(ctx, "feed", entryMsg{Seq: i})
		require.NoError(t, err)
	}
	_, err := s.PublishJSON(ctx, "other", entryMsg{Seq: 99})
	require.NoError(t, err)

	last := "0"
	for i := 1; i <= 3; i++ {
		var dst entryMsg
		last, err = s.ReadJSON(ctx, "feed", last, &dst)
		require.NoError(t, err)
		assert.Equal(t, i, dst.Seq)
	}
	assert.Equal(t, 3, s.Len("feed"))
	assert.Equal(t, 1, s.Len("other"))
}

func TestInMemory_ReadBlocksUntilPublish(t *testing.T) {
	t.Parallel()

	s := NewInMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		_, _ = s.PublishJSON(ctx, "late", entryMsg{Action: "Burn"})
	}()

	var dst entryMsg
	_, err := s.ReadJSON(ctx, "late", "0", &dst)
	require.NoError(t, err)
	assert.Equal(t, "Burn", dst.Action)
	wg.Wait()
}

func TestInMemory_ReadHonoursCancellation(t *testing.T) {
	t.Parallel()

	s := NewInMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst entryMsg
	_, err := s.ReadJSON(ctx, "empty", "0", &dst)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemory_CloseResets(t *testing.T) {
	t.Parallel()

	s := NewInMemory(0)
	_, _ = s.PublishJSON(context.Background(), "s", entryMsg{})
	require.NoError(t, s.Close())
	assert.Zero(t, s.Len("s"))
}

func TestInMemory_MaxLenDropsOldest(t *testing.T) {
	t.Parallel()

	s := NewInMemory(2)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.PublishJSON(ctx, "feed", entryMsg{Seq: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.Len("feed"))

	var dst entryMsg
	id, err := s.ReadJSON(ctx, "feed", "0", &dst)
	require.NoError(t, err)
	assert.Equal(t, 4, dst.Seq)
	assert.Equal(t, "4-0", id)
}

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "http://not-redis", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}
