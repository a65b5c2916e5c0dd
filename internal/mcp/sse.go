package mcp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// ReadEvents parses an event stream from r, calling fn for each event
// that carries data. Events are dispatched on a blank line; a trailing
// event without one is flushed at EOF. ReadEvents stops early when fn
// returns false. The returned error is nil at EOF.
func ReadEvents(r io.Reader, fn func(Event) bool) error {
	br := bufio.NewReader(r)
	var (
		name string
		data []string
	)
	dispatch := func() bool {
		if len(data) == 0 {
			name = ""
			return true
		}
		ev := Event{Name: name, Data: strings.Join(data, "\n")}
		name, data = "", nil
		return fn(ev)
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if !dispatch() {
					return nil
				}
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimLeft(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				dispatch()
				return nil
			}
			return err
		}
	}
}
