package mq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/broker"
)

func TestNewTopology(t *testing.T) {
	top := NewTopology("emails")
	if top.Work != "emails" || top.Retry != "emails.retry" {
		t.Errorf("unexpected topology %+v", top)
	}
	if info := top.Info(); !strings.Contains(info, "emails.retry") || !strings.Contains(info, string(ExchangeRetry)) {
		t.Errorf("info should describe retry queue:\n%s", info)
	}
}

func TestExpirationFor(t *testing.T) {
	tests := []struct {
		delay    time.Duration
		expected string
	}{
		{time.Second, "1000"},
		{1500 * time.Millisecond, "1500"},
		{time.Microsecond, "1"},
		{5 * time.Minute, "300000"},
	}
	for _, tt := range tests {
		if got := expirationFor(tt.delay); got != tt.expected {
			t.Errorf("expirationFor(%v): expected %s, got %s", tt.delay, tt.expected, got)
		}
	}
}

func TestRawDelivery(t *testing.T) {
	if _, err := rawDelivery(&broker.Delivery{Ref: "1-0"}); err == nil {
		t.Error("expected error for foreign ref")
	}
	if _, err := rawDelivery(&broker.Delivery{Ref: amqp.Delivery{DeliveryTag: 7}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// --- Интеграционные тесты (нужен RabbitMQ) ---

func testBroker(t *testing.T) *Broker {
	t.Helper()

	url := os.Getenv("AMQP_TEST_URL")
	if url == "" {
		url = DefaultURL
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	queue := fmt.Sprintf("test_%d", time.Now().UnixNano())
	b, err := NewBroker(ctx, url, logger, BrokerConfig{Queue: queue, Prefetch: 4})
	if err != nil {
		t.Skip("RabbitMQ not available, skipping:", err)
	}
	t.Cleanup(func() {
		_ = b.conn.WithChannel(context.Background(), func(ch *amqp.Channel) error {
			_, _ = ch.QueueDelete(b.topology.Retry, false, false, false)
			_, err := ch.QueueDelete(b.topology.Work, false, false, false)
			return err
		})
		_ = b.Close()
	})
	return b
}

func receive(t *testing.T, ch <-chan *broker.Delivery) *broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return nil
}

func TestBroker_EnqueueConsumeAck(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := b.Consume(ctx); err == nil {
		t.Error("second consume should fail")
	}

	if err := b.Enqueue(ctx, "t1", []byte(`{"id":"t1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := receive(t, ch)
	if d.MessageID != "t1" || string(d.Body) != `{"id":"t1"}` {
		t.Errorf("unexpected delivery %q %q", d.MessageID, d.Body)
	}
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestBroker_NackRequeueThroughRetryQueue(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Consume(ctx)
	_ = b.Enqueue(ctx, "t1", []byte(`{"retries":0}`))

	d := receive(t, ch)
	d.Body = []byte(`{"retries":1}`)
	d.RetryDelay = 200 * time.Millisecond

	start := time.Now()
	if err := b.Nack(ctx, d, true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	d = receive(t, ch)
	if string(d.Body) != `{"retries":1}` {
		t.Errorf("expected rewritten body, got %q", d.Body)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("requeued message arrived too early: %v", elapsed)
	}
	_ = b.Ack(ctx, d)
}

func TestBroker_NackDrop(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Consume(ctx)
	_ = b.Enqueue(ctx, "t1", []byte(`{}`))
	d := receive(t, ch)

	if err := b.Nack(ctx, d, false); err != nil {
		t.Fatalf("nack: %v", err)
	}

	select {
	case d := <-ch:
		t.Fatalf("dropped message redelivered: %q", d.Body)
	case <-time.After(300 * time.Millisecond):
	}
}
