package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/AliyahZombie/Plotrix/internal/chat"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

// Run event types pushed onto a run's queue.
const (
	RunEventStream          = "stream"
	RunEventEvent           = "event"
	RunEventDone            = "done"
	RunEventCancelled       = "cancelled"
	RunEventError           = "error"
	RunEventCancelRequested = "cancel_requested"
	RunEventEOF             = "eof"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// RunEvent is one progress item of a run. Event holds an
// llm.StreamEvent for "stream" items and a chat.Event for "event" items.
type RunEvent struct {
	Type      string `json:"type"`
	Event     any    `json:"event,omitempty"`
	Assistant string `json:"assistant,omitempty"`
	Error     string `json:"error,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// Run is one background chat over a session.
type Run struct {
	ID        string
	SessionID string
	StartedAt time.Time

	// Events carries progress to the consumer; it is closed when the
	// run ends.
	Events *events.Queue[RunEvent]

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     string
	err        string
	finishedAt time.Time
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Status returns the run status and, for failed runs, the error text.
func (r *Run) Status() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.err
}

func (r *Run) finish(status, errText string, at time.Time) {
	r.mu.Lock()
	r.status = status
	r.err = errText
	r.finishedAt = at
	r.mu.Unlock()
}

func (r *Run) finishedBefore(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != StatusRunning && r.finishedAt.Before(t)
}

// StartChatRun appends userText to the session and advances it with
// chatter on a new goroutine. The session's message list is replaced by
// the chat history when the chat succeeds. A session runs at most one
// chat at a time.
func (s *Store) StartChatRun(ctx context.Context, sessionID, userText string, chatter Chatter) (*Run, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if runID, busy := s.active[sessionID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, runID)
	}
	s.pruneLocked()

	now := s.now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		ID:        newID(),
		SessionID: sessionID,
		StartedAt: now,
		Events:    events.NewQueue[RunEvent](),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	sess.Messages = append(slices.Clone(sess.Messages), llm.TextMessage(llm.RoleUser, userText))
	sess.UpdatedAt = now
	messages := slices.Clone(sess.Messages)
	s.runs[run.ID] = run
	s.active[sessionID] = run.ID
	s.mu.Unlock()

	runCtx = usage.WithAttribution(runCtx, usage.Attribution{
		RunID:     run.ID,
		SessionID: sessionID,
		Source:    "web",
	})

	s.bus.Publish(events.NewEvent(events.SourceRun, events.KindRunStart, map[string]any{
		"run_id":     run.ID,
		"session_id": sessionID,
	}))
	s.logger.Info("run started", "run_id", run.ID, "session_id", sessionID)

	go s.work(runCtx, run, messages, chatter)
	return run, nil
}

func (s *Store) work(ctx context.Context, run *Run, messages []llm.Message, chatter Chatter) {
	logger := s.logger.With("run_id", run.ID, "session_id", run.SessionID)
	defer run.cancel()
	defer close(run.done)
	defer run.Events.Close()

	hooks := &chat.Hooks{
		OnStream: func(ev llm.StreamEvent) {
			run.Events.Push(RunEvent{Type: RunEventStream, Event: ev})
		},
		OnEvent: func(ev chat.Event) {
			run.Events.Push(RunEvent{Type: RunEventEvent, Event: ev})
		},
	}

	status, errText := StatusDone, ""
	text, history, err := chatter.Chat(ctx, messages, hooks)
	switch {
	case errors.Is(err, chat.ErrCancelled):
		status, errText = StatusCancelled, "cancelled"
		run.Events.Push(RunEvent{Type: RunEventCancelled})
	case err != nil:
		status, errText = StatusError, err.Error()
		logger.Warn("run failed", "error", err)
		run.Events.Push(RunEvent{Type: RunEventError, Error: err.Error()})
	default:
		s.mu.Lock()
		if sess, ok := s.sessions[run.SessionID]; ok {
			sess.Messages = history
			sess.UpdatedAt = s.now()
		}
		s.mu.Unlock()
		run.Events.Push(RunEvent{Type: RunEventDone, Assistant: text})
	}

	now := s.now()
	run.finish(status, errText, now)
	s.mu.Lock()
	if s.active[run.SessionID] == run.ID {
		delete(s.active, run.SessionID)
	}
	s.mu.Unlock()

	elapsed := now.Sub(run.StartedAt)
	logger.Info("run finished", "status", status, "elapsed", elapsed.Round(time.Millisecond))
	s.bus.Publish(events.NewEvent(events.SourceRun, events.KindRunComplete, map[string]any{
		"run_id":     run.ID,
		"session_id": run.SessionID,
		"status":     status,
		"elapsed_ms": elapsed.Milliseconds(),
	}))
}

// Run returns the run with the given ID.
func (s *Store) Run(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// CancelRun asks a run to stop. The run notices before its next network
// call or after its current tool call.
func (s *Store) CancelRun(id string) error {
	run, err := s.Run(id)
	if err != nil {
		return err
	}
	run.Events.Push(RunEvent{Type: RunEventCancelRequested})
	run.cancel()
	return nil
}

// Shutdown cancels every active run and waits for them to finish or for
// ctx to end.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var pending []*Run
	for _, runID := range s.active {
		if run, ok := s.runs[runID]; ok {
			pending = append(pending, run)
		}
	}
	s.mu.Unlock()

	for _, run := range pending {
		run.cancel()
	}
	for _, run := range pending {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Store) pruneLocked() {
	cutoff := s.now().Add(-finishedRunRetention)
	for id, run := range s.runs {
		if run.finishedBefore(cutoff) {
			delete(s.runs, id)
		}
	}
}
