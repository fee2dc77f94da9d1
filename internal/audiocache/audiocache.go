// Package audiocache implements the durable per-segment audio cache on
// top of a generic object store.
//
// The cache holds the only copy of binary synthesis results: session
// snapshots deliberately exclude audio, and a resumed session
// re-validates every claimed success against this cache.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
)

// Object naming. Names are stable and collision-free per (user, segment)
// so a retry supersedes exactly its predecessor.
const (
	objectNameFormat = "%s.segment-%06d.wav"
	userPrefixFormat = "%s.segment-"
)

// Cache implements core.AudioCache.
type Cache struct {
	store core.ObjectStore
}

// New creates a cache over the given object store.
func New(store core.ObjectStore) *Cache {
	return &Cache{store: store}
}

// ObjectName returns the stable object name for one segment's audio.
func ObjectName(userID string, segmentID int) string {
	return fmt.Sprintf(objectNameFormat, userID, segmentID)
}

// Put stores one segment's audio, superseding any previous bytes.
func (c *Cache) Put(ctx context.Context, userID string, segmentID int, data []byte) error {
	err := c.store.Upload(ctx, ObjectName(userID, segmentID), data)
	if err != nil {
		return fmt.Errorf("failed to cache audio for segment %d: %w", segmentID, err)
	}

	return nil
}

// Get returns one segment's cached audio, or core.ErrNotCached when no
// bytes exist for the pair.
func (c *Cache) Get(ctx context.Context, userID string, segmentID int) ([]byte, error) {
	data, err := c.store.Download(ctx, ObjectName(userID, segmentID))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, core.ErrNotCached
		}

		return nil, fmt.Errorf("failed to read cached audio for segment %d: %w", segmentID, err)
	}

	return data, nil
}

// ClearAll removes every cached segment belonging to the user.
func (c *Cache) ClearAll(ctx context.Context, userID string) error {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cached audio: %w", err)
	}

	prefix := fmt.Sprintf(userPrefixFormat, userID)

	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		deleteErr := c.store.Delete(ctx, key)
		if deleteErr != nil {
			return fmt.Errorf("failed to clear cached audio '%s': %w", key, deleteErr)
		}
	}

	return nil
}
