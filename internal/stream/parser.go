// Package stream turns upstream event streams into the bridge's token stream.
//
// The client-facing wire format is Server-Sent Events where every event is a
// single "data: <json>" line followed by a blank line. The JSON payload is
// either {"token": "..."} or {"error": "..."}; the stream always ends with the
// literal "data: [DONE]" event.
package stream

import (
	"bytes"
	"strings"
	"unicode"
)

// DoneMarker is the payload that terminates a stream.
const DoneMarker = "[DONE]"

var eventDelimiter = []byte("\n\n")

// Frame is one complete upstream data event.
type Frame struct {
	// Done is set for the terminator; Data is empty then.
	Done bool
	Data string
}

// Parser splits an incrementally fed byte stream into data frames.
//
// Bytes are buffered until a blank-line delimiter arrives, so a multi-byte
// UTF-8 sequence split across reads is only decoded once the whole event is
// available. Events that are not a single "data:" line (comments, event
// names, id fields) are dropped.
type Parser struct {
	buf []byte
}

// Feed appends a chunk read from the upstream.
func (p *Parser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
}

// Next returns the next complete data frame. ok is false when the buffer
// holds no further complete event.
func (p *Parser) Next() (frame Frame, ok bool) {
	for {
		idx := bytes.Index(p.buf, eventDelimiter)
		if idx < 0 {
			return Frame{}, false
		}

		event := p.buf[:idx]
		p.buf = p.buf[idx+len(eventDelimiter):]

		payload, isData := classify(event)
		if !isData {
			continue
		}
		if payload == DoneMarker {
			return Frame{Done: true}, true
		}
		return Frame{Data: payload}, true
	}
}

// Buffered reports how many bytes are waiting for a delimiter.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops any buffered bytes.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

func classify(event []byte) (string, bool) {
	line := strings.TrimSpace(strings.ToValidUTF8(string(event), "\uFFFD"))
	if line == "" {
		return "", false
	}

	rest, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false
	}
	rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	// Multi-line events never carry a usable payload for the providers we speak to.
	if strings.ContainsAny(rest, "\r\n") {
		return "", false
	}
	return rest, true
}
