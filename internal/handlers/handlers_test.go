package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/encryption"
	"github.com/shaiso/Courier/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGateway(t *testing.T) *encryption.Gateway {
	t.Helper()
	key := make([]byte, encryption.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	g, err := encryption.New(key)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

type fakeSubs struct {
	subs []domain.Subscription
	err  error
}

func (f *fakeSubs) ListByEvent(_ context.Context, event string) ([]domain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Subscription
	for _, s := range f.subs {
		if s.Event == event && s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func subscription(t *testing.T, g *encryption.Gateway, url, secret string) domain.Subscription {
	t.Helper()
	ct, err := g.EncryptString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return domain.Subscription{
		ID:               uuid.New(),
		Event:            "order.created",
		URL:              url,
		SecretCiphertext: ct,
		Enabled:          true,
		CreatedAt:        time.Now(),
	}
}

func webhookRequest() *worker.Request {
	return &worker.Request{
		TaskID:   "t-1",
		TaskType: TypeWebhookDeliver,
		Kwargs: map[string]any{
			"event": "order.created",
			"data":  map[string]any{"order_id": "42"},
		},
	}
}

func TestWebhook_DeliversSignedEnvelope(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := testGateway(t)
	subs := &fakeSubs{subs: []domain.Subscription{subscription(t, g, srv.URL, "s3cret")}}
	h := NewWebhook(subs, g, nil, testLogger())

	resp, err := h.Handle(context.Background(), webhookRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Payload["delivered"] != 1 {
		t.Errorf("expected 1 delivery, got %v", resp.Payload["delivered"])
	}

	if gotHeaders.Get(HeaderDeliveryID) != "t-1" {
		t.Errorf("expected delivery id t-1, got %q", gotHeaders.Get(HeaderDeliveryID))
	}
	if gotHeaders.Get(HeaderEventType) != "order.created" {
		t.Errorf("unexpected event header %q", gotHeaders.Get(HeaderEventType))
	}
	if !Verify([]byte("s3cret"), gotBody, gotHeaders.Get(HeaderSignature)) {
		t.Error("signature does not verify")
	}

	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != "order.created" || env.DeliveryID != "t-1" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if data, _ := env.Data.(map[string]any); data["order_id"] != "42" {
		t.Errorf("unexpected data %v", env.Data)
	}
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
		{"gone", http.StatusGone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			g := testGateway(t)
			subs := &fakeSubs{subs: []domain.Subscription{subscription(t, g, srv.URL, "k")}}
			h := NewWebhook(subs, g, nil, testLogger())

			_, err := h.Handle(context.Background(), webhookRequest())
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrWebhookRequest) {
				t.Errorf("expected ErrWebhookRequest, got %v", err)
			}
			if got := worker.DefaultClassifier.Classify(err) == domain.ClassTransient; got != tt.transient {
				t.Errorf("expected transient=%v, got %v (%v)", tt.transient, got, err)
			}
		})
	}
}

func TestWebhook_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := testGateway(t)
	subs := &fakeSubs{subs: []domain.Subscription{subscription(t, g, srv.URL, "k")}}
	h := NewWebhook(subs, g, &http.Client{Timeout: 50 * time.Millisecond}, testLogger())

	_, err := h.Handle(context.Background(), webhookRequest())
	if worker.DefaultClassifier.Classify(err) != domain.ClassTransient {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestWebhook_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := testGateway(t)
	subs := &fakeSubs{subs: []domain.Subscription{subscription(t, g, url, "k")}}
	h := NewWebhook(subs, g, nil, testLogger())

	_, err := h.Handle(context.Background(), webhookRequest())
	if worker.DefaultClassifier.Classify(err) != domain.ClassTransient {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestWebhook_OneTransientFailureRetriesTask(t *testing.T) {
	var okHits atomic.Int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits.Add(1)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer rejecting.Close()

	g := testGateway(t)
	subs := &fakeSubs{subs: []domain.Subscription{
		subscription(t, g, ok.URL, "a"),
		subscription(t, g, failing.URL, "b"),
		subscription(t, g, rejecting.URL, "c"),
	}}
	h := NewWebhook(subs, g, nil, testLogger())

	_, err := h.Handle(context.Background(), webhookRequest())
	if worker.DefaultClassifier.Classify(err) != domain.ClassTransient {
		t.Errorf("expected transient error, got %v", err)
	}
	if okHits.Load() != 1 {
		t.Errorf("expected healthy subscriber to be called once, got %d", okHits.Load())
	}
}

func TestWebhook_BadSubscriptionSecret(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	g := testGateway(t)
	sub := subscription(t, g, srv.URL, "k")
	sub.SecretCiphertext = "not-a-ciphertext"
	h := NewWebhook(&fakeSubs{subs: []domain.Subscription{sub}}, g, nil, testLogger())

	_, err := h.Handle(context.Background(), webhookRequest())
	if worker.DefaultClassifier.Classify(err) != domain.ClassTerminal {
		t.Errorf("expected terminal error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Error("request must not be sent without a valid signature")
	}
}

func TestWebhook_NoSubscriptions(t *testing.T) {
	h := NewWebhook(&fakeSubs{}, testGateway(t), nil, testLogger())

	resp, err := h.Handle(context.Background(), webhookRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Payload["delivered"] != 0 {
		t.Errorf("expected 0 deliveries, got %v", resp.Payload["delivered"])
	}
}

func TestWebhook_MissingEvent(t *testing.T) {
	h := NewWebhook(&fakeSubs{}, testGateway(t), nil, testLogger())

	_, err := h.Handle(context.Background(), &worker.Request{TaskID: "t-1", Kwargs: map[string]any{}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWebhook_ListErrorPropagates(t *testing.T) {
	listErr := domain.Transient(errors.New("db down"))
	h := NewWebhook(&fakeSubs{err: listErr}, testGateway(t), nil, testLogger())

	_, err := h.Handle(context.Background(), webhookRequest())
	if worker.DefaultClassifier.Classify(err) != domain.ClassTransient {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"x"}`)
	sig := Sign([]byte("key"), body)

	if !Verify([]byte("key"), body, sig) {
		t.Error("expected signature to verify")
	}
	if Verify([]byte("other"), body, sig) {
		t.Error("signature verified with wrong key")
	}
	if Verify([]byte("key"), []byte(`{"event":"y"}`), sig) {
		t.Error("signature verified for different body")
	}
	if Verify([]byte("key"), body, "zz") {
		t.Error("malformed signature verified")
	}
}

func TestEcho(t *testing.T) {
	secret := domain.Secret("token")
	req := &worker.Request{
		Args:    []any{"a", 1},
		Kwargs:  map[string]any{"plain": "v"},
		Secrets: map[string]domain.Secret{"api_key": secret},
	}

	resp, err := Echo(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kw, _ := resp.Payload["kwargs"].(map[string]any); kw["plain"] != "v" {
		t.Errorf("unexpected kwargs %v", resp.Payload["kwargs"])
	}
	if string(resp.Secrets["api_key"].Reveal()) != "token" {
		t.Error("expected secret to be echoed")
	}

	resp.Secrets["api_key"].Wipe()
	if string(secret.Reveal()) != "token" {
		t.Error("echoed secret must be a copy")
	}
}

func TestRetentionFrom(t *testing.T) {
	tests := []struct {
		name     string
		kwargs   map[string]any
		expected time.Duration
		wantErr  bool
	}{
		{"default", map[string]any{}, defaultRetention, false},
		{"custom", map[string]any{"older_than": "48h"}, 48 * time.Hour, false},
		{"invalid", map[string]any{"older_than": "soon"}, 0, true},
		{"negative", map[string]any{"older_than": "-1h"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := retentionFrom(&worker.Request{Kwargs: tt.kwargs})
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestRegister_WithoutStore(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, Deps{Logger: testLogger()})

	for _, typ := range []string{TypeEcho, TypeSleep} {
		if _, err := reg.Get(typ); err != nil {
			t.Errorf("%s should be registered: %v", typ, err)
		}
	}
	if _, err := reg.Get(TypeWebhookDeliver); !errors.Is(err, worker.ErrUnknownTaskType) {
		t.Errorf("webhook.deliver requires a store, got %v", err)
	}
}

func TestSleep(t *testing.T) {
	resp, err := Sleep(context.Background(), &worker.Request{Kwargs: map[string]any{"duration_ms": float64(5)}})
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if resp.Payload["slept_ms"] != int64(5) {
		t.Errorf("unexpected payload %v", resp.Payload)
	}
}

func TestSleep_Interrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Sleep(ctx, &worker.Request{Kwargs: map[string]any{"duration": "1m"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if worker.DefaultClassifier.Classify(err) != domain.ClassTransient {
		t.Error("interrupted sleep should be retried")
	}
}

func TestSleep_InvalidDuration(t *testing.T) {
	tests := []struct {
		name   string
		kwargs map[string]any
	}{
		{"missing", nil},
		{"unparsable", map[string]any{"duration": "soon"}},
		{"wrong type", map[string]any{"duration": 5}},
		{"ms not a number", map[string]any{"duration_ms": "5"}},
		{"negative", map[string]any{"duration": "-1s"}},
		{"too long", map[string]any{"duration": "2h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sleep(context.Background(), &worker.Request{Kwargs: tt.kwargs})
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if transient, _ := domain.IsTransient(err); transient {
				t.Error("invalid duration must be terminal")
			}
		})
	}
}
