package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

const (
	KindBegin Kind = "begin"
	KindItem  Kind = "item"
	KindEnd   Kind = "end"
)

// Event is one line of the NDJSON reply stream.
type Event struct {
	Type    Kind
	Content string
}

func Begin() Event { return Event{Type: KindBegin} }
func Item(content string) Event { return Event{Type: KindItem, Content: content} }
func End() Event { return Event{Type: KindEnd} }

type wireEvent struct {
	Type    Kind    `json:"type"`
	Content *string `json:"content,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	if e.Type == KindItem {
		w.Content = &e.Content
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case KindBegin, KindItem, KindEnd:
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	e.Type = w.Type
	e.Content = ""
	if w.Content != nil {
		e.Content = *w.Content
	}
	return nil
}

// Encode writes ev as a single JSON line. Non-ASCII text is written as is.
func Encode(w io.Writer, ev Event) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(ev)
}

type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: s}
}

// Decode returns the next event, skipping blank lines. It returns io.EOF at
// the end of input.
func (d *Decoder) Decode() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return Event{}, fmt.Errorf("malformed event line: %w", err)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
