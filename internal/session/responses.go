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

	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// DefaultAskTimeout bounds how long an agent waits for an answer.
const DefaultAskTimeout = 120 * time.Second

// ErrSessionClosed is returned to waiters whose session went away.
var ErrSessionClosed = errors.New("session closed while waiting for an answer")

// QuestionType constrains the accepted answers.
type QuestionType string

const (
	QuestionText    QuestionType = "text"
	QuestionChoice  QuestionType = "choice"
	QuestionConfirm QuestionType = "confirm"
)

// Question is what an agent asks.
type Question struct {
	Text    string
	Type    QuestionType
	Options []string
}

// PendingQuestion is a question waiting for its single resolution.
type PendingQuestion struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId"`
	Agent     string       `json:"agent,omitempty"`
	Text      string       `json:"question"`
	Type      QuestionType `json:"type"`
	Options   []string     `json:"options,omitempty"`
	Deadline  time.Time    `json:"deadline"`
}

// Answer resolves a question. TimedOut answers carry no response.
type Answer struct {
	QuestionID string `json:"questionId"`
	Response   string `json:"response,omitempty"`
	TimedOut   bool   `json:"timedOut"`
}

type waiter struct {
	q      PendingQuestion
	answer chan string // buffered; written once by the winning Submit
	closed chan struct{}
}

// Responses is the rendezvous between agents blocked in ask_user and the
// answer submission path. Every question resolves exactly once: by an
// answer, by its timeout, by cancellation, or by its session closing.
type Responses struct {
	mu      sync.Mutex
	pending map[string]*waiter
	bus     *events.Bus
	log     *slog.Logger
	now     func() time.Time
}

// NewResponses returns a handler. bus and logger may be nil.
func NewResponses(bus *events.Bus, logger *slog.Logger) *Responses {
	return &Responses{
		pending: make(map[string]*waiter),
		bus:     bus,
		log:     logging.OrDiscard(logger),
		now:     time.Now,
	}
}

// Ask registers q for sessionID and blocks until it is answered or timeout
// elapses. A timeout is not an error: the answer has TimedOut set.
func (r *Responses) Ask(ctx context.Context, sessionID, agent string, q Question, timeout time.Duration) (Answer, error) {
	q, err := normalizeQuestion(q)
	if err != nil {
		return Answer{}, err
	}
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}

	w := &waiter{
		q: PendingQuestion{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Agent:     agent,
			Text:      q.Text,
			Type:      q.Type,
			Options:   q.Options,
			Deadline:  r.now().Add(timeout).UTC(),
		},
		answer: make(chan string, 1),
		closed: make(chan struct{}),
	}
	r.mu.Lock()
	r.pending[w.q.ID] = w
	r.mu.Unlock()

	r.publish(sessionID, agent, events.UserInputRequired, map[string]any{
		"questionId": w.q.ID,
		"question":   w.q.Text,
		"type":       string(w.q.Type),
		"options":    w.q.Options,
		"deadline":   w.q.Deadline,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.answer:
		return Answer{QuestionID: w.q.ID, Response: resp}, nil
	case <-w.closed:
		return Answer{}, ErrSessionClosed
	case <-timer.C:
		if r.take(w.q.ID) != nil {
			r.publish(sessionID, agent, events.UserInputTimeout, map[string]any{"questionId": w.q.ID})
			return Answer{QuestionID: w.q.ID, TimedOut: true}, nil
		}
	case <-ctx.Done():
		if r.take(w.q.ID) != nil {
			return Answer{}, ctx.Err()
		}
	}
	// lost the race to a resolution already under way
	select {
	case resp := <-w.answer:
		return Answer{QuestionID: w.q.ID, Response: resp}, nil
	case <-w.closed:
		return Answer{}, ErrSessionClosed
	}
}

// Submit delivers an answer. It reports false, changing nothing, when no
// such question is pending for the session (late or duplicate answers) or
// when the response is not acceptable for the question type.
func (r *Responses) Submit(sessionID, questionID, response string) bool {
	r.mu.Lock()
	w, ok := r.pending[questionID]
	if !ok || w.q.SessionID != sessionID {
		r.mu.Unlock()
		return false
	}
	resp, valid := acceptAnswer(w.q, response)
	if !valid {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, questionID)
	r.mu.Unlock()

	r.publish(sessionID, w.q.Agent, events.UserInputReceived, map[string]any{
		"questionId": questionID,
		"response":   resp,
	})
	w.answer <- resp
	return true
}

// Pending lists the open questions of a session, oldest deadline first.
func (r *Responses) Pending(sessionID string) []PendingQuestion {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingQuestion
	for _, w := range r.pending {
		if w.q.SessionID == sessionID {
			out = append(out, w.q)
		}
	}
	slices.SortFunc(out, func(a, b PendingQuestion) int { return a.Deadline.Compare(b.Deadline) })
	return out
}

// CloseSession releases every waiter of a session with ErrSessionClosed.
func (r *Responses) CloseSession(sessionID string) int {
	r.mu.Lock()
	var closed []*waiter
	for id, w := range r.pending {
		if w.q.SessionID == sessionID {
			delete(r.pending, id)
			closed = append(closed, w)
		}
	}
	r.mu.Unlock()
	for _, w := range closed {
		close(w.closed)
	}
	return len(closed)
}

func (r *Responses) take(id string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return w
}

func (r *Responses) publish(sessionID, agent string, t events.Type, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(sessionID, t, payload, events.Meta{Agent: agent})
}

func normalizeQuestion(q Question) (Question, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, errors.New("question text is required")
	}
	switch q.Type {
	case "":
		q.Type = QuestionText
		if len(q.Options) > 0 {
			q.Type = QuestionChoice
		}
	case QuestionText, QuestionChoice, QuestionConfirm:
	default:
		return q, fmt.Errorf("unknown question type %q", q.Type)
	}
	if q.Type == QuestionChoice && len(q.Options) == 0 {
		return q, errors.New("choice questions need options")
	}
	if q.Type == QuestionConfirm {
		q.Options = []string{"yes", "no"}
	}
	return q, nil
}

func acceptAnswer(q PendingQuestion, response string) (string, bool) {
	response = strings.TrimSpace(response)
	switch q.Type {
	case QuestionChoice:
		for _, opt := range q.Options {
			if strings.EqualFold(opt, response) {
				return opt, true
			}
		}
		return "", false
	case QuestionConfirm:
		switch strings.ToLower(response) {
		case "yes", "y", "true":
			return "yes", true
		case "no", "n", "false":
			return "no", true
		}
		return "", false
	}
	return response, true
}
