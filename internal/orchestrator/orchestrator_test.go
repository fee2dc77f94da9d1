package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/book-expert/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/merge"
	"github.com/book-expert/narration-service/internal/orchestrator"
	"github.com/book-expert/narration-service/internal/pool"
	"github.com/book-expert/narration-service/internal/provider"
	"github.com/book-expert/narration-service/internal/wav"
)

var errProviderDown = errors.New("provider unavailable")

// synthCall records one provider invocation.
type synthCall struct {
	secret string
	text   string
}

// scriptedProvider is a synthesis provider whose outcome is scripted per
// credential secret. A hook, when set, runs before every call.
type scriptedProvider struct {
	mu       sync.Mutex
	failures map[string]error
	calls    []synthCall
	hook     func()
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		mu:       sync.Mutex{},
		failures: make(map[string]error),
		calls:    nil,
		hook:     nil,
	}
}

func (f *scriptedProvider) Synthesize(
	_ context.Context, secret, text string, _ core.TuningSettings,
) (*core.SynthesisResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, synthCall{secret: secret, text: text})
	failure := f.failures[secret]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	if failure != nil {
		return nil, failure
	}

	return &core.SynthesisResult{
		PCM:        []byte{0x01, 0x00, 0x02, 0x00},
		SampleRate: 24000,
	}, nil
}

func (f *scriptedProvider) CheckBalance(_ context.Context, _ string) (*core.BalanceInfo, error) {
	return nil, errProviderDown
}

func (f *scriptedProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *scriptedProvider) callsFor(secret string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0

	for _, call := range f.calls {
		if call.secret == secret {
			count++
		}
	}

	return count
}

// memoryCache is an in-memory core.AudioCache.
type memoryCache struct {
	mu    sync.Mutex
	blobs map[string]map[int][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		mu:    sync.Mutex{},
		blobs: make(map[string]map[int][]byte),
	}
}

func (m *memoryCache) Put(_ context.Context, userID string, segmentID int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blobs[userID] == nil {
		m.blobs[userID] = make(map[int][]byte)
	}

	m.blobs[userID][segmentID] = data

	return nil
}

func (m *memoryCache) Get(_ context.Context, userID string, segmentID int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, found := m.blobs[userID][segmentID]
	if !found {
		return nil, core.ErrNotCached
	}

	return data, nil
}

func (m *memoryCache) ClearAll(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, userID)

	return nil
}

// memorySnapshots is an in-memory core.SnapshotStore.
type memorySnapshots struct {
	mu        sync.Mutex
	snapshots map[string]*core.SessionSnapshot
	saves     int
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{
		mu:        sync.Mutex{},
		snapshots: make(map[string]*core.SessionSnapshot),
		saves:     0,
	}
}

func (m *memorySnapshots) SaveSnapshot(_ context.Context, userID string, snapshot *core.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[userID] = snapshot
	m.saves++

	return nil
}

func (m *memorySnapshots) LoadSnapshot(_ context.Context, userID string) (*core.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, found := m.snapshots[userID]
	if !found {
		return nil, core.ErrNoSnapshot
	}

	return snapshot, nil
}

func (m *memorySnapshots) ClearSnapshot(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, userID)

	return nil
}

func (m *memorySnapshots) last(userID string) *core.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshots[userID]
}

// recordingPublisher captures published chunk events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.AudioChunkCreatedEvent
}

func (r *recordingPublisher) PublishAudioChunkCreated(
	_ context.Context, event *events.AudioChunkCreatedEvent,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recordingPublisher) published() []*events.AudioChunkCreatedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	published := make([]*events.AudioChunkCreatedEvent, len(r.events))
	copy(published, r.events)

	return published
}

// testFixture bundles one orchestrator with its collaborators.
type testFixture struct {
	orchestrator *orchestrator.Orchestrator
	provider     *scriptedProvider
	cache        *memoryCache
	snapshots    *memorySnapshots
	publisher    *recordingPublisher
	pool         *pool.Pool
}

// shortTuning keeps test inputs small: a few words per segment.
func shortTuning() core.TuningSettings {
	tuning := core.DefaultTuningSettings()
	tuning.MinChunkChars = 10
	tuning.MaxChunkChars = 40

	return tuning
}

func newFixture(t *testing.T, credentials []core.Credential) *testFixture {
	t.Helper()

	synthProvider := newScriptedProvider()
	cache := newMemoryCache()
	snapshots := newMemorySnapshots()
	publisher := &recordingPublisher{mu: sync.Mutex{}, events: nil}
	credentialPool := pool.New(credentials)

	conductor := orchestrator.New(orchestrator.Options{
		UserID:     "alice",
		WorkflowID: "workflow-1",
		Provider:   synthProvider,
		Cache:      cache,
		Snapshots:  snapshots,
		Pool:       credentialPool,
		OpLog:      nil,
		Log:        nil,
		Publisher:  publisher,
		Tuning:     shortTuning(),
	})

	return &testFixture{
		orchestrator: conductor,
		provider:     synthProvider,
		cache:        cache,
		snapshots:    snapshots,
		publisher:    publisher,
		pool:         credentialPool,
	}
}

func activeCredential(secret string, balance int) core.Credential {
	return core.Credential{
		Secret:         secret,
		Balance:        balance,
		Status:         core.CredentialActive,
		SessionInvalid: false,
	}
}

const twoSegmentText = "The first sentence is here. A second sentence follows now."

func TestRun_ConvertsAllSegments(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	segments := fixture.orchestrator.LoadText(twoSegmentText)
	require.Len(t, segments, 2)

	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	for _, segment := range fixture.orchestrator.Segments() {
		assert.Equal(t, core.SegmentSuccess, segment.Status)

		cached, err := fixture.cache.Get(context.Background(), "alice", segment.ID)
		require.NoError(t, err)

		samples, rate, err := wav.Decode(cached)
		require.NoError(t, err)
		assert.Equal(t, 24000, rate)
		assert.Len(t, samples, 2)
	}

	assert.Equal(t, core.RunIdle, fixture.orchestrator.State())
}

func TestRun_DecrementsCredentialBalance(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	credentials := fixture.pool.Credentials()
	require.Len(t, credentials, 1)

	spent := 1000 - credentials[0].Balance
	assert.Equal(t, len("The first sentence is here.")+len("A second sentence follows now."), spent)
}

func TestRun_PublishesChunkEvents(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	published := fixture.publisher.published()
	require.Len(t, published, 2)

	assert.Equal(t, "alice.segment-000001.wav", published[0].AudioKey)
	assert.Equal(t, 1, published[0].PageNumber)
	assert.Equal(t, 2, published[0].TotalPages)
	assert.Equal(t, "workflow-1", published[0].Header.WorkflowID)
	assert.NotEmpty(t, published[0].Header.EventID)
}

func TestRun_SavesSnapshotsAlongTheWay(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	snapshot := fixture.snapshots.last("alice")
	require.NotNil(t, snapshot)

	assert.Equal(t, twoSegmentText, snapshot.FullText)
	require.Len(t, snapshot.Segments, 2)
	assert.Equal(t, core.SegmentSuccess, snapshot.Segments[0].Status)
	assert.Equal(t, core.SegmentSuccess, snapshot.Segments[1].Status)
	assert.NotEmpty(t, snapshot.Log)
}

func TestRun_RotatesPastQuarantinedCredential(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{
		activeCredential("bad-key", 1000),
		activeCredential("good-key", 500),
	})
	fixture.provider.failures["bad-key"] = &provider.RequestError{
		StatusCode: http.StatusUnauthorized,
		Code:       "invalid_api_key",
		Message:    "Invalid API key",
	}

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	for _, segment := range fixture.orchestrator.Segments() {
		assert.Equal(t, core.SegmentSuccess, segment.Status)
	}

	// The invalid key is tried once, quarantined, and never selected
	// again for the rest of the run.
	assert.Equal(t, 1, fixture.provider.callsFor("bad-key"))
	assert.Equal(t, 2, fixture.provider.callsFor("good-key"))
}

func TestRun_HaltsWhenAllCredentialsQuarantined(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{
		activeCredential("bad-one", 1000),
		activeCredential("bad-two", 1000),
	})

	authFailure := &provider.RequestError{
		StatusCode: http.StatusUnauthorized,
		Code:       "invalid_api_key",
		Message:    "Invalid API key",
	}
	fixture.provider.failures["bad-one"] = authFailure
	fixture.provider.failures["bad-two"] = authFailure

	fixture.orchestrator.LoadText(twoSegmentText)

	err := fixture.orchestrator.Run(context.Background())
	require.ErrorIs(t, err, pool.ErrExhausted)

	segments := fixture.orchestrator.Segments()
	assert.Equal(t, core.SegmentFailed, segments[0].Status)
	assert.Equal(t, core.SegmentPending, segments[1].Status)
}

func TestRun_TransientFailureMarksSegmentFailedAndContinues(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})
	fixture.provider.failures["key-one"] = errProviderDown

	fixture.orchestrator.LoadText(twoSegmentText)

	// A transient failure does not quarantine the credential; once the
	// only credential has failed for a segment, that segment is marked
	// failed and the run keeps going.
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	segments := fixture.orchestrator.Segments()
	assert.Equal(t, core.SegmentFailed, segments[0].Status)
	assert.Equal(t, core.SegmentFailed, segments[1].Status)
	assert.Equal(t, 2, fixture.provider.callCount())
}

func TestRun_TransientFailureFallsBackToNextCredential(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{
		activeCredential("flaky-key", 1000),
		activeCredential("steady-key", 500),
	})
	fixture.provider.failures["flaky-key"] = errProviderDown

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	// The flaky key stays eligible and is retried per segment, but each
	// segment falls back to the lower-balance key and still succeeds.
	for _, segment := range fixture.orchestrator.Segments() {
		assert.Equal(t, core.SegmentSuccess, segment.Status)
	}

	assert.Equal(t, 2, fixture.provider.callsFor("flaky-key"))
	assert.Equal(t, 2, fixture.provider.callsFor("steady-key"))
}

func TestRun_StopIsCooperative(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})
	fixture.provider.hook = fixture.orchestrator.Stop

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	// The in-flight segment finishes and is recorded; the rest of the
	// loop is skipped.
	segments := fixture.orchestrator.Segments()
	assert.Equal(t, core.SegmentSuccess, segments[0].Status)
	assert.Equal(t, core.SegmentPending, segments[1].Status)
	assert.Equal(t, 1, fixture.provider.callCount())
	assert.Equal(t, core.RunIdle, fixture.orchestrator.State())
}

func TestRun_RefusesOverlappingRuns(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	started := make(chan struct{})
	release := make(chan struct{})
	fixture.provider.hook = func() {
		close(started)
		<-release
	}

	fixture.orchestrator.LoadText("One short sentence only.")

	done := make(chan error, 1)

	go func() {
		done <- fixture.orchestrator.Run(context.Background())
	}()

	<-started

	err := fixture.orchestrator.Run(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestRun_Preconditions(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	err := fixture.orchestrator.Run(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrNoSegments)

	depleted := newFixture(t, []core.Credential{activeCredential("key-one", 0)})
	depleted.orchestrator.LoadText(twoSegmentText)

	err = depleted.orchestrator.Run(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrNoCredentials)
}

func TestRun_SkipsSegmentsBeforeStartingPoint(t *testing.T) {
	t.Parallel()

	synthProvider := newScriptedProvider()
	tuning := shortTuning()
	tuning.StartFromSegmentID = 2

	conductor := orchestrator.New(orchestrator.Options{
		UserID:     "alice",
		WorkflowID: "",
		Provider:   synthProvider,
		Cache:      newMemoryCache(),
		Snapshots:  nil,
		Pool:       pool.New([]core.Credential{activeCredential("key-one", 1000)}),
		OpLog:      nil,
		Log:        nil,
		Publisher:  nil,
		Tuning:     tuning,
	})

	conductor.LoadText(twoSegmentText)
	require.NoError(t, conductor.Run(context.Background()))

	segments := conductor.Segments()
	assert.Equal(t, core.SegmentPending, segments[0].Status)
	assert.Equal(t, core.SegmentSuccess, segments[1].Status)
	assert.Equal(t, 1, synthProvider.callCount())
}

func TestEditSegmentText_ChangesWhatIsSent(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText("One short sentence only.")
	require.NoError(t, fixture.orchestrator.EditSegmentText(1, "Edited narration text."))

	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	require.Equal(t, 1, fixture.provider.callCount())
	assert.Equal(t, "Edited narration text.", fixture.provider.calls[0].text)

	err := fixture.orchestrator.EditSegmentText(99, "nope")
	require.ErrorIs(t, err, orchestrator.ErrUnknownSegment)
}

func TestRun_EmptyEditedTextFailsWithoutProviderCall(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText("One short sentence only.")
	require.NoError(t, fixture.orchestrator.EditSegmentText(1, ""))

	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	segments := fixture.orchestrator.Segments()
	assert.Equal(t, core.SegmentFailed, segments[0].Status)
	assert.Equal(t, 0, fixture.provider.callCount())
}

func TestRetrySegment_RecoversFailedSegment(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})
	fixture.provider.failures["key-one"] = errProviderDown

	fixture.orchestrator.LoadText("One short sentence only.")
	require.NoError(t, fixture.orchestrator.Run(context.Background()))
	require.Equal(t, core.SegmentFailed, fixture.orchestrator.Segments()[0].Status)

	// The provider recovers; the retry succeeds.
	fixture.provider.mu.Lock()
	delete(fixture.provider.failures, "key-one")
	fixture.provider.mu.Unlock()

	require.NoError(t, fixture.orchestrator.RetrySegment(context.Background(), 1))
	assert.Equal(t, core.SegmentSuccess, fixture.orchestrator.Segments()[0].Status)
}

func TestRetrySegment_Validation(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText("One short sentence only.")
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	err := fixture.orchestrator.RetrySegment(context.Background(), 1)
	require.ErrorIs(t, err, orchestrator.ErrSegmentNotFailed)

	err = fixture.orchestrator.RetrySegment(context.Background(), 42)
	require.ErrorIs(t, err, orchestrator.ErrUnknownSegment)
}

func TestRestore_NoSnapshotIsCleanStart(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	require.NoError(t, fixture.orchestrator.Restore(context.Background()))
	assert.Empty(t, fixture.orchestrator.Segments())
}

func TestRestore_DemotesSuccessWithoutCachedAudio(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})
	ctx := context.Background()

	// Segment 1 has cached bytes, segment 2 claims success without
	// them: a snapshot written before a crash mid-upload.
	require.NoError(t, fixture.cache.Put(ctx, "alice", 1, wav.Encode([]float64{0.1}, 24000)))

	snapshot := &core.SessionSnapshot{
		FullText: twoSegmentText,
		Tuning:   shortTuning(),
		Segments: []core.Segment{
			{ID: 1, Text: "a", EditedText: "a", Status: core.SegmentSuccess},
			{ID: 2, Text: "b", EditedText: "b", Status: core.SegmentSuccess},
		},
		Log: nil,
	}
	require.NoError(t, fixture.snapshots.SaveSnapshot(ctx, "alice", snapshot))

	require.NoError(t, fixture.orchestrator.Restore(ctx))

	segments := fixture.orchestrator.Segments()
	require.Len(t, segments, 2)
	assert.Equal(t, core.SegmentSuccess, segments[0].Status)
	assert.Equal(t, core.SegmentPending, segments[1].Status)

	// The repaired state is persisted immediately.
	repaired := fixture.snapshots.last("alice")
	assert.Equal(t, core.SegmentPending, repaired.Segments[1].Status)

	// The repair is recorded in the operational log.
	entries := fixture.orchestrator.OperationalLog().Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, core.LogWarning, entries[len(entries)-1].Level)
}

func TestClearSession_RemovesEverything(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})
	ctx := context.Background()

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(ctx))

	require.NoError(t, fixture.orchestrator.ClearSession(ctx))

	assert.Empty(t, fixture.orchestrator.Segments())
	assert.Empty(t, fixture.orchestrator.OperationalLog().Entries())

	_, err := fixture.cache.Get(ctx, "alice", 1)
	require.ErrorIs(t, err, core.ErrNotCached)

	_, err = fixture.snapshots.LoadSnapshot(ctx, "alice")
	require.ErrorIs(t, err, core.ErrNoSnapshot)
}

func TestRun_ConvertedAudioMergesCleanly(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(context.Background()))

	merged, err := merge.New(fixture.cache).Merge(context.Background(), "alice", []int{1, 2})
	require.NoError(t, err)

	samples, rate, err := wav.Decode(merged)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	assert.Len(t, samples, 4)
}

func TestRun_ContextCancellationStopsLoop(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, []core.Credential{activeCredential("key-one", 1000)})

	ctx, cancel := context.WithCancel(context.Background())
	fixture.provider.hook = cancel

	fixture.orchestrator.LoadText(twoSegmentText)
	require.NoError(t, fixture.orchestrator.Run(ctx))

	segments := fixture.orchestrator.Segments()
	assert.Equal(t, core.SegmentPending, segments[1].Status)
	assert.Equal(t, 1, fixture.provider.callCount())
}
