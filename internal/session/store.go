// Package session keeps in-memory chat sessions and the background runs
// that advance them. Each run executes one chat on its own goroutine and
// reports progress through an [events.Queue] that a single HTTP consumer
// drains; the queue is closed when the run ends.
//
// Sessions do not survive a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AliyahZombie/Plotrix/internal/chat"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
)

// Lookup and state errors.
var (
	ErrSessionNotFound = errors.New("unknown session")
	ErrRunNotFound     = errors.New("unknown run")
	ErrSessionBusy     = errors.New("session already has an active run")
)

// finishedRunRetention is how long a finished run stays addressable so
// a late consumer can still drain its queue.
const finishedRunRetention = 10 * time.Minute

// Session is one conversation.
type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Messages  []llm.Message `json:"messages"`
}

// Summary is the listing form of a session.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Chatter runs one chat. *chat.Engine implements it.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, hooks *chat.Hooks) (string, []llm.Message, error)
}

// Store holds sessions and runs. It is safe for concurrent use.
type Store struct {
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	runs     map[string]*Run
	active   map[string]string // session ID -> running run ID
}

// NewStore returns an empty store. bus may be nil.
func NewStore(logger *slog.Logger, bus *events.Bus) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger,
		bus:      bus,
		now:      time.Now,
		sessions: make(map[string]*Session),
		runs:     make(map[string]*Run),
		active:   make(map[string]string),
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func systemMessages(prompt string) []llm.Message {
	if strings.TrimSpace(prompt) == "" {
		return nil
	}
	return []llm.Message{llm.TextMessage(llm.RoleSystem, prompt)}
}

// Create starts a session seeded with systemPrompt when it is not blank.
func (s *Store) Create(systemPrompt string) Session {
	id := newID()
	now := s.now()
	sess := &Session{
		ID:        id,
		Title:     "Session " + id[:6],
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  systemMessages(systemPrompt),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Debug("session created", "session_id", id)
	return sess.snapshot()
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.snapshot(), nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			ID:           sess.ID,
			Title:        sess.Title,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			MessageCount: len(sess.Messages),
		})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Reset clears the conversation, keeping only the system prompt.
func (s *Store) Reset(id, systemPrompt string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Messages = systemMessages(systemPrompt)
	sess.UpdatedAt = s.now()
	return sess.snapshot(), nil
}

// Rename changes a session's title. Blank titles are rejected.
func (s *Store) Rename(id, title string) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Session{}, errors.New("title must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Title = title
	sess.UpdatedAt = s.now()
	return sess.snapshot(), nil
}

// Delete removes a session and cancels its active run, if any.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	var run *Run
	if runID, ok := s.active[id]; ok {
		run = s.runs[runID]
	}
	s.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	return nil
}

func (sess *Session) snapshot() Session {
	cp := *sess
	cp.Messages = slices.Clone(sess.Messages)
	return cp
}
