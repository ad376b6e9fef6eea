package chatstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns the given chunks one Read at a time.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *snapshotRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		texts = append(texts, s.State.String()+":"+s.Text)
	}
	return texts
}

func TestReadStreamCompletes(t *testing.T) {
	body := &chunkReader{chunks: []string{
		"data: {\"content\":\"A\"}\n\ndata: {\"con",
		"tent\":\"B\"}\n",
		"\n: keep-alive\n\n",
		"data: {\"done\":true}\n\n",
		"data: {\"content\":\"ignored\"}\n\n",
	}}
	recorder := &snapshotRecorder{}

	snapshot, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{OnSnapshot: recorder.record})
	require.NoError(t, err)
	assert.Equal(t, Snapshot{State: StateCompleted, Text: "AB"}, snapshot)
	assert.Equal(t, []string{"awaiting:", "streaming:A", "streaming:AB", "completed:AB"}, recorder.texts())
}

func TestReadStreamEverySplitOffset(t *testing.T) {
	stream := "data: {\"content\":\"Wy\"}\n\n: keep-alive\n\ndata: {\"content\":\"rok\"}\n\ndata: {\"done\":true}\n\n"
	for i := 1; i < len(stream); i++ {
		body := &chunkReader{chunks: []string{stream[:i], stream[i:]}}
		snapshot, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{})
		require.NoError(t, err, "split at %d", i)
		assert.Equal(t, "Wyrok", snapshot.Text, "split at %d", i)
	}
}

func TestReadStreamFailureRecord(t *testing.T) {
	body := strings.NewReader("data: {\"content\":\"partial\"}\n\ndata: {\"error\":\"model unavailable\"}\n\n")
	snapshot, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindGenerationFailure))
	assert.Equal(t, StateFailed, snapshot.State)
	assert.Empty(t, snapshot.Text)
	assert.Equal(t, "model unavailable", snapshot.Err.Reason)
}

func TestReadStreamSkipsMalformedRecords(t *testing.T) {
	body := strings.NewReader("data: {oops\n\nretry: 10\n\ndata: {\"content\":\"ok\"}\n\ndata: {\"done\":true}\n\n")
	snapshot, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", snapshot.Text)
}

func TestReadStreamUnterminatedDone(t *testing.T) {
	body := strings.NewReader("data: {\"content\":\"x\"}\n\ndata: {\"done\":true}")
	snapshot, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snapshot.State)
}

func TestReadStreamEOFBeforeTerminal(t *testing.T) {
	body := strings.NewReader("data: {\"content\":\"half an ans\"}\n\n")
	snapshot, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransportInterrupted))
	assert.ErrorIs(t, err, ErrTransportInterrupted)
	assert.Empty(t, snapshot.Text)
}

func TestReadStreamReadError(t *testing.T) {
	broken := errors.New("connection reset by peer")
	body := &chunkReader{chunks: []string{"data: {\"content\":\"A\"}\n\n"}, err: broken}
	_, err := ReadStream(context.Background(), body, NewAccumulator(), ReadOptions{})

	assert.True(t, IsKind(err, KindTransportInterrupted))
	assert.ErrorIs(t, err, broken)
}

func TestReadStreamIdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: {\"content\":\"A\"}\n\n"))
		// Then silence.
	}()

	start := time.Now()
	snapshot, err := ReadStream(context.Background(), pr, NewAccumulator(), ReadOptions{IdleTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.ErrorIs(t, err, ErrStreamTimeout)
	assert.Equal(t, StateFailed, snapshot.State)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The body was closed so the writer side observes it.
	_, werr := pw.Write([]byte("late"))
	assert.ErrorIs(t, werr, io.ErrClosedPipe)
}

func TestReadStreamKeepAliveResetsIdleTimer(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for i := 0; i < 8; i++ {
			time.Sleep(50 * time.Millisecond)
			if _, err := pw.Write([]byte(KeepAliveLine + "\n\n")); err != nil {
				return
			}
		}
		pw.Write([]byte("data: {\"content\":\"late\"}\n\ndata: {\"done\":true}\n\n"))
	}()

	snapshot, err := ReadStream(context.Background(), pr, NewAccumulator(), ReadOptions{IdleTimeout: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "late", snapshot.Text)
}

func TestReadStreamCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		pw.Write([]byte("data: {\"content\":\"A\"}\n\n"))
		cancel()
	}()

	snapshot, err := ReadStream(ctx, pr, NewAccumulator(), ReadOptions{IdleTimeout: time.Minute})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCanceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, snapshot.Text)
}

func TestReadStreamRejectsBusyAccumulator(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Begin())
	acc.Apply(Delta("already"))

	// A live accumulator is continued, not restarted.
	snapshot, err := ReadStream(context.Background(), strings.NewReader("data: {\"content\":\" here\"}\n\ndata: {\"done\":true}\n\n"), acc, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "already here", snapshot.Text)
}
