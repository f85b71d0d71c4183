// Package store persists the discovery session snapshot so a session survives
// restarts of the process that hosts it.
//
// The whole session is one JSON document stored under a single fixed key.
// A snapshot exists if and only if the session is past the landing phase:
// saving a landing-phase snapshot deletes the key instead. Persistence is an
// optimization, never a correctness requirement, so SnapshotStore swallows
// and logs every backend failure.
//
// Backends are pluggable: a local file (default), memory (tests and
// ephemeral runs), DynamoDB (Lambda deployment), or Redis.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/rs/zerolog/log"
)

// SnapshotKey is the fixed storage key. The version suffix changes whenever
// the snapshot layout changes incompatibly.
const SnapshotKey = "socratic_engine_state_v4"

// ErrCorrupt is returned by a Backend when the stored value exists but cannot
// be decoded (for example a bad compression frame). SnapshotStore treats it
// like a malformed snapshot and purges the entry.
var ErrCorrupt = errors.New("stored value is corrupt")

// Backend is a minimal durable key-value store. Implementations must be safe
// for concurrent use.
//
// Get returns (nil, nil) when the key does not exist.
// Put performs full replacement. Delete of a missing key is not an error.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Name() string
}

// SnapshotStore is the persistence adapter used by the session controller.
type SnapshotStore struct {
	backend Backend
	key     string
}

// NewSnapshotStore creates a SnapshotStore over the given backend using SnapshotKey.
func NewSnapshotStore(backend Backend) *SnapshotStore {
	return &SnapshotStore{backend: backend, key: SnapshotKey}
}

// Backend returns the underlying backend.
func (s *SnapshotStore) Backend() Backend {
	return s.backend
}

// Save writes the snapshot, or removes the stored entry when the snapshot is in
// the landing phase. Failures are logged and otherwise ignored.
func (s *SnapshotStore) Save(ctx context.Context, snap *discovery.Snapshot) {
	if snap == nil || snap.Phase == discovery.PhaseLanding {
		s.Clear(ctx)
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Str("phase", string(snap.Phase)).Msg("Failed to encode session snapshot")
		return
	}

	if err := s.backend.Put(ctx, s.key, data); err != nil {
		log.Warn().
			Err(err).
			Str("backend", s.backend.Name()).
			Str("phase", string(snap.Phase)).
			Msg("Failed to save session snapshot")
		return
	}

	log.Debug().
		Str("backend", s.backend.Name()).
		Str("phase", string(snap.Phase)).
		Int("bytes", len(data)).
		Msg("Session snapshot saved")
}

// Restore reads the stored snapshot. It returns false when there is nothing to
// resume. A stored value that does not decode to a snapshot with a state object
// and a valid non-landing phase is deleted so it cannot fail again.
func (s *SnapshotStore) Restore(ctx context.Context) (*discovery.Snapshot, bool) {
	data, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrCorrupt) {
		log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("Discarding corrupt session snapshot")
		s.Clear(ctx)
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("Failed to read session snapshot")
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("Discarding malformed session snapshot")
		s.Clear(ctx)
		return nil, false
	}

	log.Info().
		Str("backend", s.backend.Name()).
		Str("phase", string(snap.Phase)).
		Str("topic", snap.State.Topic).
		Int("answers", len(snap.State.UserAnswers)).
		Msg("Session snapshot restored")
	return snap, true
}

// Clear deletes the stored snapshot. Failures are logged and otherwise ignored.
func (s *SnapshotStore) Clear(ctx context.Context) {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("Failed to delete session snapshot")
	}
}

// decodeSnapshot accepts only documents with a "state" object and a valid
// "phase" tag other than landing. Restoration is all-or-nothing.
func decodeSnapshot(data []byte) (*discovery.Snapshot, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	state := bytes.TrimSpace(shape["state"])
	if len(state) == 0 || state[0] != '{' {
		return nil, errors.New("missing state object")
	}
	if len(shape["phase"]) == 0 {
		return nil, errors.New("missing phase")
	}

	var snap discovery.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if !snap.Phase.Valid() {
		return nil, fmt.Errorf("unknown phase %q", snap.Phase)
	}
	if snap.Phase == discovery.PhaseLanding {
		return nil, errors.New("landing phase is never persisted")
	}
	if snap.State.UserAnswers == nil {
		snap.State.UserAnswers = []discovery.AnswerLog{}
	}
	if snap.State.InterestKeywords == nil {
		snap.State.InterestKeywords = []string{}
	}
	return &snap, nil
}
