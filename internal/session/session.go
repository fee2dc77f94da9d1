// Package session persists the recoverable, non-binary state of a
// narration session in a NATS JetStream key-value bucket: snapshots,
// credential lists, and tuning settings, all scoped by user identifier.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
)

// Key layout inside the bucket.
const (
	snapshotKeyFormat    = "snapshot.%s"
	credentialsKeyFormat = "credentials.%s"
	tuningKeyFormat      = "tuning.%s"
)

// Store implements core.SnapshotStore and core.SettingsStore.
type Store struct {
	bucket   string
	keyValue nats.KeyValue
}

// New creates and initializes a Store with a "create-first" approach,
// binding to the bucket when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*Store, error) {
	keyValue, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:       bucketName,
		Description:  fmt.Sprintf("Session state for the %s bucket.", bucketName),
		MaxValueSize: 0,
		History:      1,
		TTL:          0,
		MaxBytes:     0,
		Storage:      nats.FileStorage,
		Replicas:     1,
		Placement:    nil,
	})
	if err != nil {
		keyValue, err = jetstreamContext.KeyValue(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to open key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &Store{
		bucket:   bucketName,
		keyValue: keyValue,
	}, nil
}

// SaveSnapshot persists the session snapshot for a user.
func (s *Store) SaveSnapshot(_ context.Context, userID string, snapshot *core.SessionSnapshot) error {
	return s.put(fmt.Sprintf(snapshotKeyFormat, userID), snapshot)
}

// LoadSnapshot returns the persisted snapshot for a user, or
// core.ErrNoSnapshot when none exists.
func (s *Store) LoadSnapshot(_ context.Context, userID string) (*core.SessionSnapshot, error) {
	var snapshot core.SessionSnapshot

	found, err := s.get(fmt.Sprintf(snapshotKeyFormat, userID), &snapshot)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, core.ErrNoSnapshot
	}

	return &snapshot, nil
}

// ClearSnapshot removes the persisted snapshot for a user. Clearing an
// absent snapshot is not an error.
func (s *Store) ClearSnapshot(_ context.Context, userID string) error {
	err := s.keyValue.Delete(fmt.Sprintf(snapshotKeyFormat, userID))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to clear snapshot in bucket '%s': %w", s.bucket, err)
	}

	return nil
}

// SaveCredentials persists the credential list for a user. Quarantine
// flags are excluded from the JSON form and therefore never persisted.
func (s *Store) SaveCredentials(_ context.Context, userID string, credentials []core.Credential) error {
	return s.put(fmt.Sprintf(credentialsKeyFormat, userID), credentials)
}

// LoadCredentials returns the persisted credential list for a user, or
// an empty list when none was ever saved.
func (s *Store) LoadCredentials(_ context.Context, userID string) ([]core.Credential, error) {
	var credentials []core.Credential

	_, err := s.get(fmt.Sprintf(credentialsKeyFormat, userID), &credentials)
	if err != nil {
		return nil, err
	}

	return credentials, nil
}

// SaveTuning persists the tuning settings for a user, correcting invalid
// chunk bounds on input rather than rejecting them.
func (s *Store) SaveTuning(_ context.Context, userID string, tuning core.TuningSettings) error {
	tuning.Normalize()

	return s.put(fmt.Sprintf(tuningKeyFormat, userID), tuning)
}

// LoadTuning returns the persisted tuning settings for a user, or the
// defaults when none were ever saved.
func (s *Store) LoadTuning(_ context.Context, userID string) (core.TuningSettings, error) {
	tuning := core.DefaultTuningSettings()

	found, err := s.get(fmt.Sprintf(tuningKeyFormat, userID), &tuning)
	if err != nil {
		return core.TuningSettings{}, err
	}

	if found {
		tuning.Normalize()
	}

	return tuning, nil
}

func (s *Store) put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key '%s': %w", key, err)
	}

	_, err = s.keyValue.Put(key, data)
	if err != nil {
		return fmt.Errorf("failed to put key '%s' in bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// get unmarshals the value stored at key into target. It reports whether
// the key existed.
func (s *Store) get(key string, target any) (bool, error) {
	entry, err := s.keyValue.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("failed to get key '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	err = json.Unmarshal(entry.Value(), target)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal value for key '%s': %w", key, err)
	}

	return true, nil
}
