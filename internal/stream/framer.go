// Package stream turns a chunked backend response into ordered deltas with
// a single terminal outcome.
package stream

import (
	"bytes"
	"fmt"

	"pagechat/internal/domain"
)

// DoneSentinel ends an event stream.
const DoneSentinel = "[DONE]"

// DefaultMaxLine bounds a single buffered line.
const DefaultMaxLine = 1 << 20

// Framer splits an event-stream body into data payloads. Input may arrive
// in arbitrary chunks; a payload is produced only once its line is
// complete. Consecutive data lines of one event are joined with "\n", so
// the second and later lines are emitted with a leading newline.
type Framer struct {
	pending []byte
	maxLine int
	inEvent bool
	done    bool
}

// NewFramer creates a framer. maxLine <= 0 means DefaultMaxLine.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Framer{maxLine: maxLine}
}

// Done reports whether the [DONE] sentinel has been seen. Input after it
// is ignored.
func (f *Framer) Done() bool { return f.done }

// Feed consumes the next chunk and returns the payloads it completed.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	if f.done {
		return nil, nil
	}
	f.pending = append(f.pending, chunk...)

	var out []string
	for !f.done {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		line := f.pending[:i]
		f.pending = f.pending[i+1:]
		if data, ok := f.line(line); ok {
			out = append(out, data)
		}
	}
	if f.done {
		f.pending = nil
		return out, nil
	}
	if len(f.pending) > f.maxLine {
		return out, fmt.Errorf("%w: event-stream line exceeds %d bytes", domain.ErrInvalidInput, f.maxLine)
	}
	// Compact so the buffer does not grow with the whole body.
	f.pending = append([]byte(nil), f.pending...)
	return out, nil
}

// Flush treats any buffered partial line as complete. Call it at end of
// input.
func (f *Framer) Flush() []string {
	if f.done || len(f.pending) == 0 {
		return nil
	}
	line := f.pending
	f.pending = nil
	if data, ok := f.line(line); ok {
		return []string{data}
	}
	return nil
}

func (f *Framer) line(line []byte) (string, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))

	switch {
	case len(line) == 0:
		f.inEvent = false
		return "", false
	case line[0] == ':':
		return "", false
	}

	name, value, _ := bytes.Cut(line, []byte(":"))
	if string(name) != "data" {
		return "", false
	}
	value = bytes.TrimPrefix(value, []byte(" "))

	if string(value) == DoneSentinel {
		f.done = true
		return "", false
	}
	data := string(value)
	if f.inEvent {
		data = "\n" + data
	}
	f.inEvent = true
	return data, data != ""
}
