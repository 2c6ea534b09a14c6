// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/convoke-io/convoke/internal/port/messagequeue"
)

const streamName = "CONVOKE"

// headerPriority carries the advisory priority of a published message.
const headerPriority = "Convoke-Priority"

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	maxAckPending int
	log           *slog.Logger
}

// Connect establishes a connection to NATS and ensures the JetStream stream
// exists. The stream captures every command and event subject the control
// plane uses.
func Connect(ctx context.Context, url string, maxAckPending int, log *slog.Logger) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"tasks.>", "agents.>", "votes.>", "sessions.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js, maxAckPending: maxAckPending, log: log}, nil
}

// Publish sends a persistent message to the given subject.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := q.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// PublishWithOptions sends a message with explicit delivery options.
// A MessageID is forwarded as Nats-Msg-Id so the broker suppresses
// duplicates within its dedup window.
func (q *Queue) PublishWithOptions(ctx context.Context, subject string, data []byte, opts messagequeue.PublishOptions) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if opts.MessageID != "" {
		msg.Header.Set(nats.MsgIdHdr, opts.MessageID)
	}
	if opts.Priority != 0 {
		msg.Header.Set(headerPriority, strconv.Itoa(opts.Priority))
	}

	if !opts.Persistent {
		if err := q.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
// Handler errors cause a Nak and redelivery, except messagequeue.ErrDiscard
// which acks the message so a poison payload cannot loop forever.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: q.maxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		err := handler(ctx, msg.Subject(), msg.Data())
		switch {
		case err == nil:
			if ackErr := msg.Ack(); ackErr != nil {
				q.log.Error("nats ack failed", "error", ackErr)
			}
		case errors.Is(err, messagequeue.ErrDiscard):
			q.log.Warn("discarding message", "subject", msg.Subject(), "error", err)
			if ackErr := msg.Ack(); ackErr != nil {
				q.log.Error("nats ack failed", "error", ackErr)
			}
		default:
			q.log.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				q.log.Error("nats nak failed", "error", nakErr)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// JetStream exposes the underlying JetStream context so callers can open
// KV buckets on the same connection.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the queue is currently connected.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
