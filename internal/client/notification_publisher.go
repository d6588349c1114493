package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ResolutionPublisher publishes approval outcome events to NATS for the
// business modules that registered the document. This is the document-owner
// callback surface: one event per instance reaching a terminal state.
//
// Subject convention: approvals.resolved.<document_type>
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so a notification outage never blocks an approval decision.
type ResolutionPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ResolutionEvent is the JSON schema published to NATS.
type ResolutionEvent struct {
	TenantID     string  `json:"tenant_id"`
	DocumentType string  `json:"document_type"`
	DocumentID   string  `json:"document_id"`
	InstanceID   string  `json:"instance_id"`
	FinalStatus  string  `json:"final_status"` // approved | rejected | cancelled
	Reason       *string `json:"reason,omitempty"`
	ActedBy      string  `json:"acted_by,omitempty"`
}

// NewResolutionPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing (local development).
func NewResolutionPublisher(conn *nats.Conn, log zerolog.Logger) *ResolutionPublisher {
	return &ResolutionPublisher{conn: conn, log: log}
}

// PublishResolved publishes the terminal outcome of an approval instance.
func (p *ResolutionPublisher) PublishResolved(ctx context.Context, event ResolutionEvent) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("instance_id", event.InstanceID).
			Msg("resolution: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.resolved.%s", event.DocumentType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", event.InstanceID).
			Msg("resolution: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", event.InstanceID).
		Str("final_status", event.FinalStatus).
		Msg("resolution: event published")
}
