package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/session"
)

const (
	ssePingInterval = 15 * time.Second
	ssePollInterval = time.Second
	streamWriteWait = 120 * time.Second
	wsWriteWait     = 10 * time.Second
)

var eofEvent = session.RunEvent{Type: session.RunEventEOF}

// pumpRun delivers a run's events to send until the queue is drained,
// the consumer goes away or send fails. tick is called whenever the
// queue poll times out.
func pumpRun(ctx context.Context, run *session.Run, send func(session.RunEvent) error, tick func() error) error {
	for {
		ev, err := run.Events.Next(ctx, ssePollInterval)
		switch {
		case errors.Is(err, io.EOF):
			return send(eofEvent)
		case errors.Is(err, events.ErrQueueTimeout):
			if tick != nil {
				if err := tick(); err != nil {
					return err
				}
			}
			continue
		case err != nil:
			return err
		}
		if err := send(ev); err != nil {
			return err
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// handleRunEvents streams a run as server-sent events: "hello" first,
// "ping" every 15s while idle, and one "event" per run item ending with
// {"type":"eof"}. A consumer that disconnects early cancels the run.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, err := s.sessions.Run(r.PathValue("id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	extend := func() {
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
	write := func(event string, data any) error {
		extend()
		if err := s.writeSSE(w, event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write("hello", map[string]string{"run_id": run.ID}); err != nil {
		return
	}

	lastPing := time.Now()
	err = pumpRun(r.Context(), run,
		func(ev session.RunEvent) error { return write("event", ev) },
		func() error {
			if time.Since(lastPing) < ssePingInterval {
				return nil
			}
			lastPing = time.Now()
			return write("ping", map[string]int64{"t": lastPing.Unix()})
		},
	)
	if err != nil {
		s.abandon(run, err)
	}
}

// abandon cancels a run whose consumer went away before it finished.
func (s *Server) abandon(run *session.Run, err error) {
	select {
	case <-run.Done():
		return
	default:
	}
	s.logger.Debug("run consumer disconnected, cancelling", "run_id", run.ID, "error", err)
	if cerr := s.sessions.CancelRun(run.ID); cerr != nil {
		s.logger.Debug("failed to cancel abandoned run", "run_id", run.ID, "error", cerr)
	}
}

// handleRunWebsocket streams a run as JSON websocket messages. The
// client may send {"type":"cancel"} to stop the run.
func (s *Server) handleRunWebsocket(w http.ResponseWriter, r *http.Request) {
	run, err := s.sessions.Run(r.PathValue("id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readControl(conn, cancel, func(msgType string) {
		if msgType == "cancel" {
			if err := s.sessions.CancelRun(run.ID); err != nil {
				s.logger.Debug("websocket cancel failed", "run_id", run.ID, "error", err)
			}
		}
	})

	send := func(v any) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	if err := send(map[string]string{"type": "hello", "run_id": run.ID}); err != nil {
		return
	}
	err = pumpRun(ctx, run, func(ev session.RunEvent) error { return send(ev) }, nil)
	if err != nil {
		s.abandon(run, err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "eof"),
		time.Now().Add(wsWriteWait))
}

// readControl reads client messages until the connection closes, then
// calls done. Text messages with a "type" field are passed to onMessage.
func (s *Server) readControl(conn *websocket.Conn, done context.CancelFunc, onMessage func(string)) {
	defer done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type != "" && onMessage != nil {
			onMessage(msg.Type)
		}
	}
}

// handleActivityWebsocket forwards every operational event published on
// the bus until the client disconnects.
func (s *Server) handleActivityWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusNotFound, "activity feed disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readControl(conn, cancel, nil)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("activity write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
