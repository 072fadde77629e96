/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays in-process events onto a NATS subject tree so
// external tooling (dashboards, recorders) can observe control activity.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/mimir_relay/internal/events"
)

// NATSBus wraps the in-process bus and mirrors every published event to
// NATS under "mimir.events.<type>". Local subscribers keep working even
// when the NATS connection drops.
type NATSBus struct {
	local  *events.Bus
	conn   *nats.Conn
	logger zerolog.Logger
	nodeID string
}

type busMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// NewNATSBus connects to NATS and returns a bus that mirrors events there.
func NewNATSBus(natsURL string, local *events.Bus, logger zerolog.Logger) (*NATSBus, error) {
	nodeID := generateNodeID()

	conn, err := nats.Connect(natsURL,
		nats.Name("mimir-relay-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSBus{
		local:  local,
		conn:   conn,
		logger: logger,
		nodeID: nodeID,
	}, nil
}

// Subscribe registers a local subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.local.Subscribe(eventType)
}

// Unsubscribe removes a local subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Publish delivers the event locally and mirrors it to NATS. NATS publish
// failures are logged, never surfaced to the caller.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)
	nb.mirror(eventType, payload)
}

// Relay subscribes to the local bus and mirrors everything it sees onto
// NATS. It blocks until ctx is done. Components that publish straight to
// the local bus get their events relayed without holding a NATS handle.
func (nb *NATSBus) Relay(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, eventType := range events.AllEventTypes() {
		sub := nb.local.Subscribe(eventType)
		wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
			defer wg.Done()
			defer nb.local.Unsubscribe(eventType, sub)
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					nb.mirror(eventType, payload)
				}
			}
		}(eventType, sub)
	}
	wg.Wait()
	return ctx.Err()
}

// mirror publishes to NATS only.
func (nb *NATSBus) mirror(eventType events.EventType, payload events.Payload) {
	data, err := json.Marshal(busMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nb.nodeID,
		MessageID: uuid.NewString(),
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event", string(eventType)).Msg("marshal event")
		return
	}

	subject := fmt.Sprintf("mimir.events.%s", eventType)
	if err := nb.conn.Publish(subject, data); err != nil {
		nb.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}

// Close drains and closes the NATS connection.
func (nb *NATSBus) Close() error {
	if nb.conn == nil {
		return nil
	}
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return err
	}
	return nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
