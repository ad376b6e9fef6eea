// Package chatstream implements the framed wire protocol that carries one streamed
// assistant reply from the server to the client, and the client-side machinery that
// turns arbitrary network chunks back into an assembled reply.
//
// A stream is a sequence of records, one per line, each followed by a blank line:
//
//	data: {"content":"<fragment>"}
//	data: {"done":true}
//	data: {"error":"<reason>"}
//
// Lines that do not start with "data: " (such as the ": keep-alive" comment) carry no event.
package chatstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	dataPrefix = "data: "
	// KeepAliveLine is written while the generator is silent. Readers treat it as activity only.
	KeepAliveLine = ": keep-alive"
	// DefaultFailureMessage is used when a failure carries no reason.
	DefaultFailureMessage = "generation failed"
)

// EventKind enumerates the events a stream can carry.
type EventKind int

const (
	EventDelta EventKind = iota + 1
	EventDone
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventFailure:
		return "failure"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one decoded stream record. Text holds the fragment for a delta and the
// reason for a failure.
type Event struct {
	Kind EventKind
	Text string
}

func Delta(text string) Event {
	return Event{Kind: EventDelta, Text: text}
}

func Done() Event {
	return Event{Kind: EventDone}
}

func Failure(message string) Event {
	if strings.TrimSpace(message) == "" {
		message = DefaultFailureMessage
	}
	return Event{Kind: EventFailure, Text: message}
}

// IsTerminal reports whether no event may follow e on the same stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventFailure
}

type contentRecord struct {
	Content string `json:"content"`
}

type doneRecord struct {
	Done bool `json:"done"`
}

type errorRecord struct {
	Error string `json:"error"`
}

// wireRecord is the union used for decoding. Pointers distinguish absent keys from zero values.
type wireRecord struct {
	Content *string `json:"content"`
	Done    *bool   `json:"done"`
	Error   *string `json:"error"`
}

// Encode renders e as a complete record, including the trailing blank line.
func Encode(e Event) ([]byte, error) {
	var payload any
	switch e.Kind {
	case EventDelta:
		payload = contentRecord{Content: e.Text}
	case EventDone:
		payload = doneRecord{Done: true}
	case EventFailure:
		payload = errorRecord{Error: Failure(e.Text).Text}
	default:
		return nil, fmt.Errorf("chatstream: cannot encode event kind %v", e.Kind)
	}
	return EncodeData(payload)
}

// EncodeData renders any JSON value as a data record. The notice stream of a
// conversation uses the same framing as the reply stream.
func EncodeData(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chatstream: failed to marshal record: %w", err)
	}
	record := make([]byte, 0, len(dataPrefix)+len(body)+2)
	record = append(record, dataPrefix...)
	record = append(record, body...)
	record = append(record, '\n', '\n')
	return record, nil
}

// DataPayload returns the JSON payload of a data line.
func DataPayload(line string) (string, bool) {
	return strings.CutPrefix(line, dataPrefix)
}

// DecodeRecord interprets one complete line. ok is false for lines that carry no event:
// comments, blank lines, non-data lines, malformed JSON, and empty content fragments.
// When a record carries several keys, error wins over done, and done wins over content.
func DecodeRecord(line string) (Event, bool) {
	payload, found := DataPayload(line)
	if !found {
		return Event{}, false
	}
	var record wireRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return Event{}, false
	}
	switch {
	case record.Error != nil:
		return Failure(*record.Error), true
	case record.Done != nil && *record.Done:
		return Done(), true
	case record.Content != nil && *record.Content != "":
		return Delta(*record.Content), true
	default:
		return Event{}, false
	}
}
