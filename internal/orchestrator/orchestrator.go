// Package orchestrator drives the per-segment conversion state machine:
// it selects credentials, calls the synthesis provider, persists
// successes into the durable audio cache, and snapshots session state
// after every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/narration-service/internal/audiocache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fileutil"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/oplog"
	"github.com/book-expert/narration-service/internal/pool"
	"github.com/book-expert/narration-service/internal/provider"
	"github.com/book-expert/narration-service/internal/segmenter"
	"github.com/book-expert/narration-service/internal/wav"
)

// Secret prefix length used in log messages. Enough to tell credentials
// apart without exposing full secrets.
const secretPrefixLen = 6

// Metric status labels.
const (
	statusSuccess = "success"
	statusFailed  = "failed"
	statusError   = "error"
)

// Static errors.
var (
	// ErrRunInProgress indicates that a conversion loop or a segment
	// retry is already executing for this orchestrator.
	ErrRunInProgress = errors.New("a conversion run is already in progress")
	// ErrNoSegments indicates that Start was called before any text
	// was segmented.
	ErrNoSegments = errors.New("no segments to convert")
	// ErrNoCredentials indicates that no credential with a usable
	// balance exists.
	ErrNoCredentials = errors.New("no credential with a usable balance")
	// ErrUnknownSegment indicates a segment id outside the current
	// segmentation.
	ErrUnknownSegment = errors.New("unknown segment id")
	// ErrSegmentNotFailed indicates a retry on a segment that is not
	// in the failed state.
	ErrSegmentNotFailed = errors.New("segment is not in the failed state")
)

// EventPublisher publishes progress events for successfully converted
// segments. Implementations must be safe for sequential use from the
// conversion loop.
type EventPublisher interface {
	PublishAudioChunkCreated(ctx context.Context, event *events.AudioChunkCreatedEvent) error
}

// Options carries the collaborators and identity for one orchestrator.
type Options struct {
	UserID     string
	WorkflowID string
	Provider   core.SynthesisProvider
	Cache      core.AudioCache
	Snapshots  core.SnapshotStore
	Pool       *pool.Pool
	OpLog      *oplog.Log
	Log        *logger.Logger
	Publisher  EventPublisher
	Tuning     core.TuningSettings
}

// Orchestrator owns the segment list and run state for one narration
// session. All mutation goes through its methods; callers observe state
// through copies only.
type Orchestrator struct {
	mu         sync.Mutex
	state      core.RunState
	cancelled  bool
	userID     string
	workflowID string
	fullText   string
	segments   []core.Segment
	tuning     core.TuningSettings
	pool       *pool.Pool
	provider   core.SynthesisProvider
	cache      core.AudioCache
	snapshots  core.SnapshotStore
	oplog      *oplog.Log
	log        *logger.Logger
	publisher  EventPublisher
}

// New creates an orchestrator. Tuning bounds are corrected on input.
func New(opts Options) *Orchestrator {
	opts.Tuning.Normalize()

	operationalLog := opts.OpLog
	if operationalLog == nil {
		operationalLog = oplog.New()
	}

	return &Orchestrator{
		mu:         sync.Mutex{},
		state:      core.RunIdle,
		cancelled:  false,
		userID:     opts.UserID,
		workflowID: opts.WorkflowID,
		fullText:   "",
		segments:   nil,
		tuning:     opts.Tuning,
		pool:       opts.Pool,
		provider:   opts.Provider,
		cache:      opts.Cache,
		snapshots:  opts.Snapshots,
		oplog:      operationalLog,
		log:        opts.Log,
		publisher:  opts.Publisher,
	}
}

// LoadText segments the given text with the current tuning bounds,
// replacing any previous segmentation.
func (o *Orchestrator) LoadText(text string) []core.Segment {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.fullText = text
	o.segments = segmenter.Segment(text, segmenter.Options{
		Min:             o.tuning.MinChunkChars,
		Max:             o.tuning.MaxChunkChars,
		TailMergeFactor: core.DefaultTailMergeFactor,
	})

	return o.copySegments()
}

// Segments returns a copy of the current segment list.
func (o *Orchestrator) Segments() []core.Segment {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.copySegments()
}

// State returns the current run state.
func (o *Orchestrator) State() core.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// OperationalLog exposes the session's user-visible log.
func (o *Orchestrator) OperationalLog() *oplog.Log {
	return o.oplog
}

// EditSegmentText replaces the user-mutable copy of a segment's text,
// which is what the next (re)conversion sends to the provider.
func (o *Orchestrator) EditSegmentText(segmentID int, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	segment := o.findSegment(segmentID)
	if segment == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSegment, segmentID)
	}

	segment.EditedText = text

	return nil
}

// Run executes the conversion loop over all segments in id order,
// strictly sequentially: credential balance decrements and quarantine
// flags must be applied before the next selection decision.
//
// Cancellation is cooperative: the flag is checked before each segment,
// an in-flight call finishes and its result is recorded. A pool-wide
// exhaustion halts the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.beginRun()
	if err != nil {
		return err
	}

	defer o.endRun()

	metrics.RunStarted()
	defer metrics.RunFinished()

	o.oplog.Info("Conversion started: %d segments", len(o.Segments()))
	o.saveSnapshot(ctx)

	for _, segmentID := range o.pendingIDs() {
		if o.isCancelled() || ctx.Err() != nil {
			o.oplog.Warning("Conversion stopped before segment %d", segmentID)

			return nil
		}

		err = o.convertSegment(ctx, segmentID)
		if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrEmpty) {
			o.oplog.Error("All credentials exhausted; run halted at segment %d", segmentID)

			return fmt.Errorf("conversion halted: %w", err)
		}
	}

	o.oplog.Info("Conversion finished")

	return nil
}

// Stop requests cooperative cancellation of a running loop. The segment
// currently converting is left in whatever state it last reached.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cancelled = true
}

// RetrySegment repeats the conversion of a single failed segment. It is
// safe to call while the main loop is idle and refuses to overlap with
// a running loop.
func (o *Orchestrator) RetrySegment(ctx context.Context, segmentID int) error {
	err := o.beginRun()
	if err != nil {
		return err
	}

	defer o.endRun()

	o.mu.Lock()

	segment := o.findSegment(segmentID)
	if segment == nil {
		o.mu.Unlock()

		return fmt.Errorf("%w: %d", ErrUnknownSegment, segmentID)
	}

	if segment.Status != core.SegmentFailed {
		o.mu.Unlock()

		return fmt.Errorf("%w: %d", ErrSegmentNotFailed, segmentID)
	}

	o.mu.Unlock()

	return o.convertSegment(ctx, segmentID)
}

// Restore loads the persisted snapshot and repairs any inconsistency:
// a segment claiming success without cached bytes is demoted back to
// pending rather than left claiming success with no data.
func (o *Orchestrator) Restore(ctx context.Context) error {
	snapshot, err := o.snapshots.LoadSnapshot(ctx, o.userID)
	if err != nil {
		if errors.Is(err, core.ErrNoSnapshot) {
			return nil
		}

		return fmt.Errorf("failed to load session snapshot: %w", err)
	}

	o.mu.Lock()
	o.fullText = snapshot.FullText
	o.tuning = snapshot.Tuning
	o.tuning.Normalize()
	o.segments = make([]core.Segment, len(snapshot.Segments))
	copy(o.segments, snapshot.Segments)
	o.mu.Unlock()

	o.oplog.Replace(snapshot.Log)

	repaired := 0

	for i := range snapshot.Segments {
		segment := snapshot.Segments[i]
		if segment.Status != core.SegmentSuccess {
			continue
		}

		_, getErr := o.cache.Get(ctx, o.userID, segment.ID)
		if getErr == nil {
			continue
		}

		if !errors.Is(getErr, core.ErrNotCached) {
			return fmt.Errorf("failed to validate cached audio for segment %d: %w", segment.ID, getErr)
		}

		o.setSegmentStatus(segment.ID, core.SegmentPending)
		o.oplog.Warning("Segment %d claimed success without cached audio; reset to pending", segment.ID)

		repaired++
	}

	if repaired > 0 {
		o.saveSnapshot(ctx)
	}

	return nil
}

// ClearSession removes the cached audio, the persisted snapshot, and the
// in-memory state of this session.
func (o *Orchestrator) ClearSession(ctx context.Context) error {
	err := o.cache.ClearAll(ctx, o.userID)
	if err != nil {
		return fmt.Errorf("failed to clear cached audio: %w", err)
	}

	err = o.snapshots.ClearSnapshot(ctx, o.userID)
	if err != nil {
		return fmt.Errorf("failed to clear session snapshot: %w", err)
	}

	o.mu.Lock()
	o.fullText = ""
	o.segments = nil
	o.mu.Unlock()

	o.oplog.Clear()

	return nil
}

// Snapshot returns the current non-binary session state.
func (o *Orchestrator) Snapshot() *core.SessionSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	return &core.SessionSnapshot{
		FullText: o.fullText,
		Tuning:   o.tuning,
		Segments: o.copySegments(),
		Log:      o.oplog.Entries(),
	}
}

// convertSegment drives one segment through the state machine,
// rotating credentials until the segment succeeds or no untried
// eligible credential remains.
func (o *Orchestrator) convertSegment(ctx context.Context, segmentID int) error {
	text, chars := o.markConverting(ctx, segmentID)
	if chars == 0 {
		// Nothing to send; an empty edited text is a user mistake,
		// not a provider failure.
		o.setSegmentStatus(segmentID, core.SegmentFailed)
		o.oplog.Error("Segment %d has no text to convert", segmentID)
		o.saveSnapshot(ctx)

		return nil
	}

	tried := make(map[string]struct{})

	for {
		credential, err := o.pool.SelectNextExcluding(tried)
		if err != nil {
			if len(tried) > 0 && o.pool.HasEligible() {
				// Every eligible credential was tried for this
				// segment; the pool itself can still serve the
				// next one.
				o.failSegment(ctx, segmentID, "all eligible credentials failed")

				return nil
			}

			o.failSegment(ctx, segmentID, "no eligible credential remains")

			return fmt.Errorf("segment %d: %w", segmentID, err)
		}

		tried[credential.Secret] = struct{}{}

		synthErr := o.attemptSynthesis(ctx, segmentID, text, chars, credential)
		if synthErr == nil {
			return nil
		}
	}
}

// attemptSynthesis performs one provider call with one credential and
// records the outcome on success.
func (o *Orchestrator) attemptSynthesis(
	ctx context.Context,
	segmentID int,
	text string,
	chars int,
	credential *core.Credential,
) error {
	started := time.Now()

	result, err := o.provider.Synthesize(ctx, credential.Secret, text, o.tuning)
	elapsed := time.Since(started).Seconds()

	if err != nil {
		metrics.ObserveProviderRequest(elapsed, statusError)
		o.recordAttemptFailure(segmentID, credential, err)

		return err
	}

	metrics.ObserveProviderRequest(elapsed, statusSuccess)

	audio := wav.EncodePCM16(result.PCM, result.SampleRate)

	// The cache write is awaited: a segment is only durable once its
	// bytes are stored.
	err = o.cache.Put(ctx, o.userID, segmentID, audio)
	if err != nil {
		o.failSegment(ctx, segmentID, "failed to store audio")
		o.logError("Failed to cache audio for segment %d: %v", segmentID, err)

		return nil
	}

	o.pool.RecordSuccess(credential, chars)
	o.setSegmentStatus(segmentID, core.SegmentSuccess)
	metrics.SegmentConverted(statusSuccess)

	o.oplog.Success(
		"Segment %d converted (%s, %d chars, key %s)",
		segmentID,
		fileutil.FormatBytes(int64(len(audio))),
		chars,
		secretPrefix(credential.Secret),
	)

	o.publishChunkCreated(ctx, segmentID)
	o.saveSnapshot(ctx)

	return nil
}

// recordAttemptFailure applies one failed provider call to the pool and
// the operational log. A 401 quarantines the credential for the run; any
// other failure leaves it usable for later segments.
func (o *Orchestrator) recordAttemptFailure(segmentID int, credential *core.Credential, err error) {
	status := provider.StatusCode(err)
	o.pool.RecordFailure(credential, status)

	if status == http.StatusUnauthorized {
		metrics.CredentialQuarantined()
		o.oplog.Warning(
			"Credential %s rejected as invalid; quarantined for this run (segment %d)",
			secretPrefix(credential.Secret),
			segmentID,
		)

		return
	}

	o.oplog.Warning(
		"Segment %d failed with credential %s: %v",
		segmentID,
		secretPrefix(credential.Secret),
		err,
	)
}

func (o *Orchestrator) beginRun() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == core.RunRunning {
		return ErrRunInProgress
	}

	if len(o.segments) == 0 {
		return ErrNoSegments
	}

	if o.pool == nil || !o.pool.HasEligible() {
		return ErrNoCredentials
	}

	o.state = core.RunRunning
	o.cancelled = false

	return nil
}

func (o *Orchestrator) endRun() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = core.RunIdle
	o.cancelled = false
}

func (o *Orchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cancelled
}

// pendingIDs returns the ids the main loop should visit, in order:
// everything at or beyond the configured starting segment that is not
// already successful.
func (o *Orchestrator) pendingIDs() []int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []int

	for i := range o.segments {
		segment := o.segments[i]
		if segment.ID < o.tuning.StartFromSegmentID {
			continue
		}

		if segment.Status == core.SegmentSuccess {
			continue
		}

		ids = append(ids, segment.ID)
	}

	return ids
}

// markConverting flips the segment to converting and returns the text
// that will be sent with its character cost.
func (o *Orchestrator) markConverting(ctx context.Context, segmentID int) (string, int) {
	o.mu.Lock()

	segment := o.findSegment(segmentID)
	if segment == nil {
		o.mu.Unlock()

		return "", 0
	}

	segment.Status = core.SegmentConverting
	text := segment.EditedText

	o.mu.Unlock()
	o.saveSnapshot(ctx)

	return text, utf8.RuneCountInString(text)
}

func (o *Orchestrator) failSegment(ctx context.Context, segmentID int, reason string) {
	o.setSegmentStatus(segmentID, core.SegmentFailed)
	metrics.SegmentConverted(statusFailed)
	o.oplog.Error("Segment %d failed: %s", segmentID, reason)
	o.saveSnapshot(ctx)
}

func (o *Orchestrator) setSegmentStatus(segmentID int, status core.SegmentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	segment := o.findSegment(segmentID)
	if segment != nil {
		segment.Status = status
	}
}

// findSegment returns the segment with the given id. Callers must hold
// the mutex.
func (o *Orchestrator) findSegment(segmentID int) *core.Segment {
	for i := range o.segments {
		if o.segments[i].ID == segmentID {
			return &o.segments[i]
		}
	}

	return nil
}

func (o *Orchestrator) copySegments() []core.Segment {
	segments := make([]core.Segment, len(o.segments))
	copy(segments, o.segments)

	return segments
}

// saveSnapshot persists the current state. Snapshot writes are
// fire-and-forget side effects of state transitions: a failure is
// logged and the run continues.
func (o *Orchestrator) saveSnapshot(ctx context.Context) {
	if o.snapshots == nil {
		return
	}

	err := o.snapshots.SaveSnapshot(ctx, o.userID, o.Snapshot())
	if err != nil {
		o.logError("Failed to save session snapshot: %v", err)
	}
}

func (o *Orchestrator) publishChunkCreated(ctx context.Context, segmentID int) {
	if o.publisher == nil {
		return
	}

	o.mu.Lock()
	total := len(o.segments)
	o.mu.Unlock()

	event := &events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: o.workflowID,
			EventID:    uuid.NewString(),
			UserID:     o.userID,
			TenantID:   "",
		},
		AudioKey:   audiocache.ObjectName(o.userID, segmentID),
		PageNumber: segmentID,
		TotalPages: total,
	}

	err := o.publisher.PublishAudioChunkCreated(ctx, event)
	if err != nil {
		o.logError("Failed to publish chunk event for segment %d: %v", segmentID, err)
	}
}

func (o *Orchestrator) logError(format string, args ...any) {
	if o.log != nil {
		o.log.Error(format, args...)
	}
}

// secretPrefix returns a short identifying prefix of a credential
// secret, safe for logs.
func secretPrefix(secret string) string {
	if len(secret) <= secretPrefixLen {
		return secret
	}

	return secret[:secretPrefixLen] + "…"
}
