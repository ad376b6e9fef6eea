package chatstream

import (
	"context"
	"errors"
	"io"
	"time"
)

// DefaultIdleTimeout is the longest silence tolerated between two lines.
const DefaultIdleTimeout = 60 * time.Second

const readChunkSize = 4096

// ReadOptions tunes ReadStream.
type ReadOptions struct {
	// IdleTimeout bounds the gap between complete lines. Keep-alive lines count as activity.
	IdleTimeout time.Duration
	// MaxLineSize bounds a single record.
	MaxLineSize int
	// OnSnapshot, when set, is called after every change to the accumulator.
	OnSnapshot func(Snapshot)
}

type chunk struct {
	data []byte
	err  error
}

// ReadStream consumes a framed body into acc until the stream reaches a terminal state.
//
// An idle accumulator is begun first. Events are applied in arrival order. The stream
// fails with KindTimeout when no complete line arrives within IdleTimeout, with
// KindTransportInterrupted when the body ends or breaks before Done or Failure, and with
// KindCanceled when ctx ends. If body is an io.Closer it is closed on timeout and
// cancellation so the reading goroutine can exit.
//
// The returned error is the *StreamError of a failed stream, or nil on completion.
func ReadStream(ctx context.Context, body io.Reader, acc *Accumulator, opts ReadOptions) (Snapshot, error) {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	publish := func() {
		if opts.OnSnapshot != nil {
			opts.OnSnapshot(acc.Snapshot())
		}
	}
	fail := func(err *StreamError) (Snapshot, error) {
		if acc.Fail(err) {
			publish()
		}
		return finish(acc)
	}

	if acc.State() == StateIdle {
		if err := acc.Begin(); err != nil {
			return acc.Snapshot(), err
		}
		publish()
	}

	stop := make(chan struct{})
	defer close(stop)
	chunks := make(chan chunk)
	go func() {
		for {
			buf := make([]byte, readChunkSize)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case chunks <- chunk{data: buf[:n]}:
				case <-stop:
					return
				}
			}
			if err != nil {
				select {
				case chunks <- chunk{err: err}:
				case <-stop:
				}
				return
			}
		}
	}()
	closeBody := func() {
		if closer, ok := body.(io.Closer); ok {
			closer.Close()
		}
	}

	decoder := NewLineDecoder(opts.MaxLineSize)
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	// handle applies complete lines and reports whether the stream reached a terminal state.
	handle := func(lines []string) bool {
		for _, line := range lines {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)

			event, ok := DecodeRecord(line)
			if !ok {
				continue
			}
			if acc.Apply(event) {
				publish()
			}
			if acc.State().IsTerminal() {
				return true
			}
		}
		return false
	}

	for {
		select {
		case <-ctx.Done():
			closeBody()
			return fail(&StreamError{Kind: KindCanceled, Reason: "request canceled", Err: ctx.Err()})

		case <-idle.C:
			closeBody()
			return fail(&StreamError{Kind: KindTimeout, Reason: "the assistant stopped responding", Err: ErrStreamTimeout})

		case c := <-chunks:
			if c.err != nil {
				// The last line may lack its newline.
				if line, ok := decoder.Flush(); ok && handle([]string{line}) {
					return finish(acc)
				}
				// Transports abort the body when ctx ends; report the cause, not the symptom.
				if ctx.Err() != nil {
					return fail(&StreamError{Kind: KindCanceled, Reason: "request canceled", Err: ctx.Err()})
				}
				err := ErrTransportInterrupted
				if !errors.Is(c.err, io.EOF) {
					err = errors.Join(ErrTransportInterrupted, c.err)
				}
				return fail(&StreamError{Kind: KindTransportInterrupted, Reason: "the connection was interrupted", Err: err})
			}
			lines, err := decoder.Feed(c.data)
			if handle(lines) {
				return finish(acc)
			}
			if err != nil {
				closeBody()
				return fail(&StreamError{Kind: KindTransportInterrupted, Reason: "the stream sent an oversized record", Err: err})
			}
		}
	}
}

func finish(acc *Accumulator) (Snapshot, error) {
	snapshot := acc.Snapshot()
	if snapshot.Err != nil {
		return snapshot, snapshot.Err
	}
	return snapshot, nil
}
