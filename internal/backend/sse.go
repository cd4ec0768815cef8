package backend

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxRecordSize = 1 << 20

// Event is one decoded server-sent event record.
type Event struct {
	Name string
	Data string
}

// Decoder splits a server-sent event stream into records separated by a blank line.
// Bytes are buffered until a full record boundary arrives, so multi-byte characters
// split across network reads are never cut.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	s.Split(splitRecords)
	return &Decoder{scanner: s}
}

// Next returns the next record that carries data. It returns io.EOF once the stream is
// exhausted; a trailing record without a terminating blank line is still returned.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		ev, ok := parseRecord(d.scanner.Text())
		if ok {
			return ev, nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

var boundary = []byte("\n\n")

func splitRecords(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, boundary); i >= 0 {
		return i + len(boundary), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseRecord(record string) (Event, bool) {
	var ev Event
	var data []string
	for _, line := range strings.Split(record, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}
	ev.Data = strings.Join(data, "\n")
	return ev, true
}
