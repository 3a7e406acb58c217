package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

// CheckpointStore persists phase-boundary snapshots. The sqlite storage
// implements it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, sessionID, phase string, data []byte) error
	LatestCheckpoint(ctx context.Context, sessionID string) (phase string, data []byte, ok bool, err error)
}

// Checkpoint is the state needed to continue a run after Phase.
type Checkpoint struct {
	SessionID     string                        `json:"sessionId"`
	Prompt        string                        `json:"prompt"`
	ProjectName   string                        `json:"projectName"`
	Options       session.Options               `json:"options"`
	Phase         Phase                         `json:"phase"`
	Next          Phase                         `json:"next"`
	PlanRevisions int                           `json:"planRevisions"`
	FixIterations int                           `json:"fixIterations"`
	Feedback      string                        `json:"feedback,omitempty"`
	Records       []PhaseRecord                 `json:"records"`
	Documents     map[string]knowledge.Document `json:"documents"`
	SavedAt       time.Time                     `json:"savedAt"`
}

func encodeCheckpoint(cp Checkpoint) ([]byte, error) {
	return json.Marshal(cp)
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	if cp.Documents == nil {
		cp.Documents = map[string]knowledge.Document{}
	}
	return cp, nil
}

// MemoryCheckpoints keeps the latest checkpoint per session in memory.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	latest map[string]memCheckpoint
}

type memCheckpoint struct {
	phase string
	data  []byte
}

// NewMemoryCheckpoints returns an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{latest: make(map[string]memCheckpoint)}
}

func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, sessionID, phase string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[sessionID] = memCheckpoint{phase: phase, data: append([]byte(nil), data...)}
	return nil
}

func (m *MemoryCheckpoints) LatestCheckpoint(_ context.Context, sessionID string) (string, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.latest[sessionID]
	if !ok {
		return "", nil, false, nil
	}
	return cp.phase, append([]byte(nil), cp.data...), true, nil
}
