// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package pipeline

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/parcelguard/internal/audit"
)

// TopicAuditEvents is the Pub/Sub topic carrying normalized audit events.
const TopicAuditEvents = "audit.events"

// NewPubSub creates the in-process Pub/Sub transport shared by the publisher
// and consumer. bufferSize bounds the output channel; zero means 1024.
func NewPubSub(bufferSize int) *gochannel.GoChannel {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(bufferSize)},
		newWatermillLogger(),
	)
}

// Publisher serializes normalized audit events onto the audit topic.
// Implements audit.Sink.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher wraps a watermill publisher.
func NewPublisher(pub message.Publisher) (*Publisher, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	return &Publisher{publisher: pub}, nil
}

// Enqueue publishes one normalized event as a JSON message.
func (p *Publisher) Enqueue(ctx context.Context, e audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return NewPermanentError("marshal audit event", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(TopicAuditEvents, msg); err != nil {
		return NewRetryableError("publish audit event", err)
	}
	return nil
}
