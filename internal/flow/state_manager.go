package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
)

// StateManager loads and persists conversation state through a StateStore.
type StateManager struct {
	store store.StateStore
	now   func() time.Time
}

// NewStateManager creates a StateManager backed by st.
func NewStateManager(st store.StateStore) *StateManager {
	slog.Debug("Creating StateManager")
	return &StateManager{store: st, now: time.Now}
}

// Load returns the state of a session, or nil when the session has none.
func (sm *StateManager) Load(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	st, err := sm.store.GetState(ctx, sessionID)
	if err != nil {
		slog.Error("StateManager.Load: get failed", "error", err, "sessionID", sessionID)
		return nil, dataErr("load state", err)
	}
	if st == nil {
		slog.Debug("StateManager.Load: no state", "sessionID", sessionID)
		return nil, nil
	}
	slog.Debug("StateManager.Load: found", "sessionID", sessionID, "state", st.Key)
	return st, nil
}

// Save overwrites the state of a session. prev, when non-nil, keeps its
// creation time.
func (sm *StateManager) Save(ctx context.Context, sessionID string, key models.StateKey, data models.SessionData, prev *models.ConversationState) error {
	now := sm.now()
	st := models.ConversationState{SessionID: sessionID, Key: key, Data: data, CreatedAt: now, UpdatedAt: now}
	if prev != nil && !prev.CreatedAt.IsZero() {
		st.CreatedAt = prev.CreatedAt
	}
	if err := st.Validate(); err != nil {
		return fmt.Errorf("refusing to save state: %w", err)
	}
	if err := sm.store.SaveState(ctx, st); err != nil {
		slog.Error("StateManager.Save: save failed", "error", err, "sessionID", sessionID, "state", key)
		return dataErr("save state", err)
	}
	slog.Debug("StateManager.Save: succeeded", "sessionID", sessionID, "state", key)
	return nil
}
