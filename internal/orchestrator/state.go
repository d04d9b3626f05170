package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const stateMetadataKey = "local-user-state"

// localUserState is the small scalar metadata the keystore keeps outside
// the key tables: registration id and the next prekey ids to assign, plus
// the last rotation timestamp that drives the weekly rotation check.
type localUserState struct {
	RegistrationID uint32    `json:"registration_id"`
	NextSignedID   uint32    `json:"next_signed_id"`
	NextOneTimeID  uint32    `json:"next_one_time_id"`
	LastRotation   time.Time `json:"last_rotation"`
}

func (e *Engine) loadLocalState(ctx context.Context) (*localUserState, bool, error) {
	raw, ok, err := e.store.LoadMetadata(ctx, stateMetadataKey)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: load local state: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var state localUserState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, false, fmt.Errorf("orchestrator: decode local state: %w", err)
	}
	return &state, true, nil
}

func (e *Engine) saveLocalState(ctx context.Context, state *localUserState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("orchestrator: encode local state: %w", err)
	}
	if err := e.store.SaveMetadata(ctx, stateMetadataKey, string(raw)); err != nil {
		return fmt.Errorf("orchestrator: save local state: %w", err)
	}
	return nil
}
