// internal/event/nats.go
// Package event provides NATS JetStream publishing of audit events: every
// recording fetched and every archive built leaves a trace on the VPI_AUDIT
// stream for compliance review.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
)

// Publisher defines the audit event operations the service emits.
type Publisher interface {
	// PublishRecordingFetched records a single recording delivery.
	PublishRecordingFetched(ctx context.Context, opco, blobKey, correlationID string) error

	// PublishArchiveBuilt records a bulk download build and its accounting.
	PublishArchiveBuilt(ctx context.Context, summary model.ArchiveSummary, correlationID string) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the service to function without event streaming.
type noop struct{}

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishRecordingFetched implements Publisher.
func (n *noop) PublishRecordingFetched(ctx context.Context, opco, blobKey, correlationID string) error {
	return nil
}

// PublishArchiveBuilt implements Publisher.
func (n *noop) PublishArchiveBuilt(ctx context.Context, summary model.ArchiveSummary, correlationID string) error {
	return nil
}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	// Deduplication fields
	fetchDedup   map[string]time.Time // blob keys to last publish time
	archiveDedup map[string]time.Time // build ids to last publish time
	mutex        sync.RWMutex
}

// NewPublisherFromEnv creates a publisher based on environment configuration.
// It reads VPI_NATS_URL; if NATS is not configured or the connection fails it
// returns a no-op publisher so audit streaming never blocks the service.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("VPI_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:           nc,
		js:           js,
		fetchDedup:   make(map[string]time.Time),
		archiveDedup: make(map[string]time.Time),
	}
}

// initStreams creates the VPI_AUDIT stream if it does not exist.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "VPI_AUDIT",
		Subjects:  []string{"vpi.audit.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour, // audit events kept for 30 days
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create VPI_AUDIT stream: %w", err)
	}
	return nil
}

// EventEnvelope is the standard envelope wrapping every published event.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// recordingFetchedPayload identifies the delivered recording.
type recordingFetchedPayload struct {
	Opco    string `json:"opco"`
	BlobKey string `json:"blobKey"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup reports whether key was published within the 2-minute window.
func (p *natsPub) shouldDedup(key string, dedupMap map[string]time.Time) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := dedupMap[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup marks key as published and prunes stale entries.
func (p *natsPub) updateDedup(key string, dedupMap map[string]time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range dedupMap {
		if t.Before(cutoff) {
			delete(dedupMap, k)
		}
	}

	dedupMap[key] = time.Now()
}

// publish wraps a payload in the envelope and sends it on subject.
func (p *natsPub) publish(subject, eventType, correlationID string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}

// PublishRecordingFetched publishes a recording delivery audit event.
// Repeated fetches of the same blob within the dedup window emit one event.
func (p *natsPub) PublishRecordingFetched(ctx context.Context, opco, blobKey, correlationID string) error {
	if p.shouldDedup(blobKey, p.fetchDedup) {
		return nil
	}

	err := p.publish("vpi.audit.recording.fetched", "vpi.audit.recording.fetched", correlationID,
		recordingFetchedPayload{Opco: opco, BlobKey: blobKey})
	if err != nil {
		return err
	}

	p.updateDedup(blobKey, p.fetchDedup)
	return nil
}

// PublishArchiveBuilt publishes a bulk download audit event carrying the full
// per-item accounting.
func (p *natsPub) PublishArchiveBuilt(ctx context.Context, summary model.ArchiveSummary, correlationID string) error {
	if p.shouldDedup(summary.BuildID, p.archiveDedup) {
		return nil
	}

	err := p.publish("vpi.audit.archive.built", "vpi.audit.archive.built", correlationID, summary)
	if err != nil {
		return err
	}

	p.updateDedup(summary.BuildID, p.archiveDedup)
	return nil
}
