package chatstream

import (
	"errors"
	"net/http"
	"sync"
)

// ErrFramerClosed is returned by writes after a terminal event was sent.
var ErrFramerClosed = errors.New("chatstream: framer closed")

// Sink receives the events of one turn. Framer is the HTTP implementation.
type Sink interface {
	// Start commits the stream. Nothing can be reported out of band afterwards.
	Start() error
	Send(e Event) error
	KeepAlive() error
}

// Framer writes stream records to an HTTP response and flushes after each one.
// It is safe for concurrent use; the keep-alive ticker and the generation loop share it.
type Framer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	closed  bool
}

func NewFramer(w http.ResponseWriter) *Framer {
	return &Framer{w: w, rc: http.NewResponseController(w)}
}

// Start commits the streaming headers and the 200 status. It is called implicitly by the first write.
func (f *Framer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startLocked()
}

func (f *Framer) startLocked() error {
	if f.started {
		return nil
	}
	f.started = true
	header := f.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	f.w.WriteHeader(http.StatusOK)
	return f.flushLocked()
}

// Send writes one event. After Done or Failure the framer is closed.
func (f *Framer) Send(e Event) error {
	record, err := Encode(e)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFramerClosed
	}
	if err := f.startLocked(); err != nil {
		return err
	}
	if e.IsTerminal() {
		f.closed = true
	}
	if _, err := f.w.Write(record); err != nil {
		return err
	}
	return f.flushLocked()
}

// SendData writes an arbitrary JSON record. It never closes the framer.
func (f *Framer) SendData(v any) error {
	record, err := EncodeData(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFramerClosed
	}
	if err := f.startLocked(); err != nil {
		return err
	}
	if _, err := f.w.Write(record); err != nil {
		return err
	}
	return f.flushLocked()
}

// KeepAlive writes a comment line that keeps intermediaries from timing the stream out.
func (f *Framer) KeepAlive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFramerClosed
	}
	if err := f.startLocked(); err != nil {
		return err
	}
	if _, err := f.w.Write([]byte(KeepAliveLine + "\n\n")); err != nil {
		return err
	}
	return f.flushLocked()
}

// Started reports whether the status line and headers were committed.
func (f *Framer) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Closed reports whether a terminal event was sent.
func (f *Framer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Framer) flushLocked() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
