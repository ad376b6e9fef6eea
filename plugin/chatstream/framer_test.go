package chatstream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerWritesRecords(t *testing.T) {
	rec := httptest.NewRecorder()
	framer := NewFramer(rec)

	require.NoError(t, framer.Send(Delta("Hel")))
	require.NoError(t, framer.KeepAlive())
	require.NoError(t, framer.Send(Delta("lo")))
	require.NoError(t, framer.Send(Done()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
	assert.Equal(t,
		"data: {\"content\":\"Hel\"}\n\n: keep-alive\n\ndata: {\"content\":\"lo\"}\n\ndata: {\"done\":true}\n\n",
		rec.Body.String())
}

func TestFramerClosesAfterTerminal(t *testing.T) {
	for _, terminal := range []Event{Done(), Failure("boom")} {
		rec := httptest.NewRecorder()
		framer := NewFramer(rec)
		require.NoError(t, framer.Send(terminal))
		assert.True(t, framer.Closed())

		assert.ErrorIs(t, framer.Send(Delta("late")), ErrFramerClosed)
		assert.ErrorIs(t, framer.Send(Done()), ErrFramerClosed)
		assert.ErrorIs(t, framer.KeepAlive(), ErrFramerClosed)
		assert.Equal(t, 1, strings.Count(rec.Body.String(), "data: "))
	}
}

func TestFramerStartOnly(t *testing.T) {
	rec := httptest.NewRecorder()
	framer := NewFramer(rec)
	assert.False(t, framer.Started())
	require.NoError(t, framer.Start())
	require.NoError(t, framer.Start())
	assert.True(t, framer.Started())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestFramerSendData(t *testing.T) {
	rec := httptest.NewRecorder()
	framer := NewFramer(rec)
	require.NoError(t, framer.SendData(map[string]string{"type": "messages.updated"}))
	require.NoError(t, framer.SendData(map[string]string{"type": "conversation.deleted"}))
	assert.False(t, framer.Closed())

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, lines, 2)
	payload, ok := DataPayload(lines[0])
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"messages.updated"}`, payload)
	_, ok = DecodeRecord(lines[1])
	assert.False(t, ok)
}

func TestFramerConcurrentWriters(t *testing.T) {
	rec := httptest.NewRecorder()
	framer := NewFramer(rec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				framer.KeepAlive()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				framer.Send(Delta("x"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, framer.Send(Done()))

	// Records never interleave: every line is either a record, a comment or blank.
	decoder := NewLineDecoder(0)
	lines, err := decoder.Feed(rec.Body.Bytes())
	require.NoError(t, err)
	deltas := 0
	for _, line := range lines {
		if event, ok := DecodeRecord(line); ok && event.Kind == EventDelta {
			deltas++
			continue
		}
		assert.Contains(t, []string{"", KeepAliveLine, `data: {"done":true}`}, line)
	}
	assert.Equal(t, 100, deltas)
}
