// Package worker provides the NATS worker that turns text-processed
// events into narration runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/audiocache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/oplog"
	"github.com/book-expert/narration-service/internal/orchestrator"
	"github.com/book-expert/narration-service/internal/pool"
)

// handleMessageTimeout bounds one whole narration job, segmentation to
// final chunk.
const handleMessageTimeout = 30 * time.Minute

// Static errors.
var (
	// ErrTextKeyEmpty indicates a job event without a text object key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrUserIDEmpty indicates a job event without a user identifier.
	ErrUserIDEmpty = errors.New("user id cannot be empty")
)

// NatsWorker listens for text-processed events on a NATS subject and
// narrates them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	chunkSubject   string
	textStore      core.ObjectStore
	cache          core.AudioCache
	sessions       SessionStores
	provider       core.SynthesisProvider
	log            *logger.Logger
}

// SessionStores bundles the per-user persistence the worker needs.
type SessionStores interface {
	core.SnapshotStore
	core.SettingsStore
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	chunkSubject string,
	textStore core.ObjectStore,
	cache core.AudioCache,
	sessions SessionStores,
	synthesisProvider core.SynthesisProvider,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		chunkSubject:   chunkSubject,
		textStore:      textStore,
		cache:          cache,
		sessions:       sessions,
		provider:       synthesisProvider,
		log:            log,
	}
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	lastKey, total, processErr := w.processNarrationJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process narration job for workflow %s: %v", event.Header.WorkflowID, processErr)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   lastKey,
		PageNumber: total,
		TotalPages: total,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processNarrationJob downloads the corrected text, builds the
// credential pool from the user's persisted settings, and drives the
// conversion loop. It returns the last published audio key and the
// total segment count.
func (w *NatsWorker) processNarrationJob(
	ctx context.Context,
	event *events.TextProcessedEvent,
) (string, int, error) {
	userID := event.Header.UserID

	textData, err := w.textStore.Download(ctx, event.TextKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	credentials, err := w.sessions.LoadCredentials(ctx, userID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load credentials for user '%s': %w", userID, err)
	}

	tuning, err := w.sessions.LoadTuning(ctx, userID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load tuning for user '%s': %w", userID, err)
	}

	if event.Voice != "" {
		tuning.VoiceID = event.Voice
	}

	conductor := orchestrator.New(orchestrator.Options{
		UserID:     userID,
		WorkflowID: event.Header.WorkflowID,
		Provider:   w.provider,
		Cache:      w.cache,
		Snapshots:  w.sessions,
		Pool:       pool.New(credentials),
		OpLog:      oplog.New(),
		Log:        w.log,
		Publisher:  w.chunkPublisher(),
		Tuning:     tuning,
	})

	segments := conductor.LoadText(string(textData))

	err = conductor.Run(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("narration run failed: %w", err)
	}

	lastKey := ""

	for _, segment := range conductor.Segments() {
		if segment.Status == core.SegmentSuccess {
			lastKey = audiocache.ObjectName(userID, segment.ID)
		}
	}

	return lastKey, len(segments), nil
}

// publishReplyEvent marshals and responds with the final
// AudioChunkCreatedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	if event.Header.UserID == "" {
		return nil, ErrUserIDEmpty
	}

	if event.Header.EventID == "" {
		event.Header.EventID = uuid.NewString()
	}

	return &event, nil
}

func (w *NatsWorker) chunkPublisher() orchestrator.EventPublisher {
	if w.chunkSubject == "" {
		return nil
	}

	return &natsChunkPublisher{
		natsConnection: w.natsConnection,
		subject:        w.chunkSubject,
	}
}

// natsChunkPublisher publishes per-segment progress events.
type natsChunkPublisher struct {
	natsConnection *nats.Conn
	subject        string
}

func (p *natsChunkPublisher) PublishAudioChunkCreated(
	_ context.Context,
	event *events.AudioChunkCreatedEvent,
) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk event: %w", err)
	}

	err = p.natsConnection.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish chunk event: %w", err)
	}

	return nil
}
