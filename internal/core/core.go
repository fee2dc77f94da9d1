// Package core defines the domain types and interfaces shared by the
// narration pipeline: segments, credentials, session state, and the
// contracts for storage and speech synthesis.
package core

import (
	"context"
	"errors"
	"time"
)

// SegmentStatus describes where a segment is in its conversion lifecycle.
type SegmentStatus string

// Segment lifecycle states.
const (
	SegmentPending    SegmentStatus = "pending"
	SegmentConverting SegmentStatus = "converting"
	SegmentSuccess    SegmentStatus = "success"
	SegmentFailed     SegmentStatus = "failed"
)

// Segment is one bounded slice of the input text, sent as a single
// synthesis request. IDs are contiguous, 1-based, and follow original
// text order. EditedText starts equal to Text and is what is actually
// sent to the provider on conversion or retry.
type Segment struct {
	ID         int           `json:"id"`
	Text       string        `json:"text"`
	EditedText string        `json:"edited_text"`
	Status     SegmentStatus `json:"status"`
}

// CredentialStatus describes the persisted state of a credential.
type CredentialStatus string

// Credential states.
const (
	CredentialActive   CredentialStatus = "active"
	CredentialInactive CredentialStatus = "inactive"
	CredentialError    CredentialStatus = "error"
)

// BalanceUnknown marks a credential whose remaining quota has never been
// checked against the provider.
const BalanceUnknown = -1

// Credential is an opaque token granting quota-limited access to the
// synthesis provider. Balance is decremented locally on every successful
// call and only ever raised by a remote balance check. SessionInvalid is
// a transient per-run quarantine flag and is never persisted.
type Credential struct {
	Secret         string           `json:"secret"`
	Balance        int              `json:"balance"`
	Status         CredentialStatus `json:"status"`
	SessionInvalid bool             `json:"-"`
}

// LogLevel classifies operational log entries.
type LogLevel string

// Operational log levels.
const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one timestamped, leveled line of the user-visible
// operational log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Default tuning values.
const (
	DefaultMinChunkChars   = 450
	DefaultMaxChunkChars   = 500
	DefaultTailMergeFactor = 1.5
	DefaultStability       = 0.5
	DefaultSimilarity      = 0.75
	DefaultSpeed           = 1.0
)

// TuningSettings holds segmentation bounds and provider-specific voice
// knobs for a user. MinChunkChars < MaxChunkChars, both >= 1; violations
// are corrected by Normalize rather than rejected.
type TuningSettings struct {
	MinChunkChars      int     `json:"min_chunk_chars"`
	MaxChunkChars      int     `json:"max_chunk_chars"`
	StartFromSegmentID int     `json:"start_from_segment_id"`
	VoiceID            string  `json:"voice_id"`
	ModelID            string  `json:"model_id"`
	Stability          float64 `json:"stability"`
	Similarity         float64 `json:"similarity"`
	Speed              float64 `json:"speed"`
}

// DefaultTuningSettings returns the tuning used when a user has never
// saved any.
func DefaultTuningSettings() TuningSettings {
	return TuningSettings{
		MinChunkChars:      DefaultMinChunkChars,
		MaxChunkChars:      DefaultMaxChunkChars,
		StartFromSegmentID: 0,
		VoiceID:            "",
		ModelID:            "",
		Stability:          DefaultStability,
		Similarity:         DefaultSimilarity,
		Speed:              DefaultSpeed,
	}
}

// Normalize corrects invalid chunk bounds in place. Invalid values fall
// back to the defaults instead of producing an error.
func (t *TuningSettings) Normalize() {
	if t.MinChunkChars < 1 {
		t.MinChunkChars = DefaultMinChunkChars
	}

	if t.MaxChunkChars <= t.MinChunkChars {
		t.MaxChunkChars = t.MinChunkChars + (DefaultMaxChunkChars - DefaultMinChunkChars)
	}

	if t.StartFromSegmentID < 0 {
		t.StartFromSegmentID = 0
	}
}

// SessionSnapshot is the resumable, non-binary description of a run:
// input text, tuning, segment statuses, and the operational log. Binary
// audio lives only in the durable audio cache.
type SessionSnapshot struct {
	FullText string         `json:"full_text"`
	Tuning   TuningSettings `json:"tuning"`
	Segments []Segment      `json:"segments"`
	Log      []LogEntry     `json:"log"`
}

// RunState is the orchestrator's global state.
type RunState string

// Run states.
const (
	RunIdle    RunState = "idle"
	RunRunning RunState = "running"
)

// Storage sentinel errors.
var (
	// ErrNotCached indicates that no audio bytes exist for the
	// requested (user, segment) pair.
	ErrNotCached = errors.New("no cached audio for segment")
	// ErrNoSnapshot indicates that a user has no persisted session.
	ErrNoSnapshot = errors.New("no session snapshot")
)

// ObjectStore is a key-value blob store. It backs both the audio cache
// and the inbound text objects produced by the upstream text-correction
// service.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// AudioCache stores one playable audio blob per (user, segment) pair and
// survives process restarts.
type AudioCache interface {
	Put(ctx context.Context, userID string, segmentID int, data []byte) error
	Get(ctx context.Context, userID string, segmentID int) ([]byte, error)
	ClearAll(ctx context.Context, userID string) error
}

// SnapshotStore persists session snapshots per user.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, userID string, snapshot *SessionSnapshot) error
	LoadSnapshot(ctx context.Context, userID string) (*SessionSnapshot, error)
	ClearSnapshot(ctx context.Context, userID string) error
}

// SettingsStore persists credential lists and tuning settings per user.
// Loads return defaults when nothing was ever saved.
type SettingsStore interface {
	SaveCredentials(ctx context.Context, userID string, credentials []Credential) error
	LoadCredentials(ctx context.Context, userID string) ([]Credential, error)
	SaveTuning(ctx context.Context, userID string, tuning TuningSettings) error
	LoadTuning(ctx context.Context, userID string) (TuningSettings, error)
}

// SynthesisResult is the provider's output for one segment: raw 16-bit
// little-endian mono PCM at the stated sample rate.
type SynthesisResult struct {
	PCM        []byte
	SampleRate int
}

// BalanceInfo is the provider's quota report for one credential.
type BalanceInfo struct {
	Used  int
	Limit int
}

// Remaining returns the usable balance, floored at zero.
func (b BalanceInfo) Remaining() int {
	remaining := b.Limit - b.Used
	if remaining < 0 {
		return 0
	}

	return remaining
}

// SynthesisProvider is the external speech-synthesis HTTP API. Both
// operations authenticate with a single opaque credential secret.
type SynthesisProvider interface {
	Synthesize(ctx context.Context, secret, text string, tuning TuningSettings) (*SynthesisResult, error)
	CheckBalance(ctx context.Context, secret string) (*BalanceInfo, error)
}
