package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap/zaptest"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisherOnChannel(ch, "meter-portal.events.exchange", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "meter-portal.events.exchange/topic" {
		t.Errorf("unexpected declarations %v", ch.declared)
	}

	event := map[string]string{"meter_id": "M1"}
	if err := p.Publish(context.Background(), "meter.registered", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if ch.keys[0] != "meter.registered" || msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("unexpected publishing %+v", msg)
	}
	var decoded map[string]string
	if err := json.Unmarshal(msg.Body, &decoded); err != nil || decoded["meter_id"] != "M1" {
		t.Errorf("unexpected body %s", msg.Body)
	}
}

func TestPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p, err := NewPublisherOnChannel(ch, "events", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	if err := p.Publish(context.Background(), "meter.registered", struct{}{}); err == nil {
		t.Error("expected publish error")
	}
}

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func TestConsumer_HandleSettlesDelivery(t *testing.T) {
	handlerErr := errors.New("Meter ID M9 not found. Please register first.")
	pausedErr := errors.New("Server maintenance! No updates allowed from 00:00 to 01:00.")

	tests := []struct {
		name        string
		err         error
		wantAcks    int
		wantNacks   int
		wantRequeue bool
	}{
		{"success is acked", nil, 1, 0, false},
		{"failure is dead-lettered", handlerErr, 0, 1, false},
		{"temporary failure is requeued", pausedErr, 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			c := &Consumer{
				queue:  "meter-portal.readings.queue",
				logger: zaptest.NewLogger(t),
				handler: func(ctx context.Context, body []byte) error {
					got = body
					return tt.err
				},
				temporary:  func(err error) bool { return err == pausedErr },
				retryDelay: time.Millisecond,
			}
			ack := &fakeAcknowledger{}
			body := []byte(`{"meter_id":"M1"}`)

			c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: body, RoutingKey: "meter.reading.submitted"})

			if string(got) != string(body) {
				t.Errorf("handler received %q", got)
			}
			if ack.acks != tt.wantAcks || ack.nacks != tt.wantNacks {
				t.Errorf("acks=%d nacks=%d, want %d/%d", ack.acks, ack.nacks, tt.wantAcks, tt.wantNacks)
			}
			if ack.requeue != tt.wantRequeue {
				t.Errorf("requeue=%v, want %v", ack.requeue, tt.wantRequeue)
			}
		})
	}
}

func TestConsumer_RequeueStopsWaitingOnCancel(t *testing.T) {
	paused := errors.New("paused")
	c := &Consumer{
		queue:      "meter-portal.readings.queue",
		logger:     zaptest.NewLogger(t),
		handler:    func(ctx context.Context, body []byte) error { return paused },
		temporary:  func(err error) bool { return errors.Is(err, paused) },
		retryDelay: time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ack := &fakeAcknowledger{}
	c.handle(ctx, amqp.Delivery{Acknowledger: ack})

	if ack.nacks != 1 || !ack.requeue {
		t.Errorf("expected an immediate requeue after cancel, nacks=%d requeue=%v", ack.nacks, ack.requeue)
	}
}
