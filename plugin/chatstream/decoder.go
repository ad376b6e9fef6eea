package chatstream

import (
	"bytes"
	"errors"
)

// DefaultMaxLineSize bounds a single record. A fragment larger than this is a protocol violation.
const DefaultMaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line grows past the decoder's limit without a newline.
var ErrLineTooLong = errors.New("chatstream: line exceeds maximum size")

// LineDecoder reassembles lines from arbitrarily split chunks. A line is complete only
// once its "\n" arrives; a trailing "\r" is stripped.
type LineDecoder struct {
	buf     []byte
	maxLine int
}

func NewLineDecoder(maxLine int) *LineDecoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &LineDecoder{maxLine: maxLine}
}

// Feed appends chunk and returns every line it completed, in order.
func (d *LineDecoder) Feed(chunk []byte) ([]string, error) {
	d.buf = append(d.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(d.buf[:i], []byte{'\r'})))
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) > d.maxLine {
		return lines, ErrLineTooLong
	}
	// Compact so a long stream does not pin the whole history in memory.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return lines, nil
}

// Flush returns the unterminated remainder, if any, and resets the decoder.
func (d *LineDecoder) Flush() (string, bool) {
	if len(d.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(d.buf, []byte{'\r'}))
	d.buf = nil
	return line, true
}

// Pending returns the number of buffered bytes that do not yet form a line.
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}
