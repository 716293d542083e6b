package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/worker"
)

// TypeWebhookDeliver — тип task доставки webhook'ов.
const TypeWebhookDeliver = "webhook.deliver"

const (
	defaultWebhookTimeout = 10 * time.Second
	userAgent             = "Courier-Webhooks/1.0"
	maxErrorBody          = 200
)

// Заголовки доставки.
const (
	HeaderEventType  = "X-Event-Type"
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderSignature  = "X-Signature"
)

// ErrWebhookRequest — запрос к получателю завершился ошибкой.
var ErrWebhookRequest = errors.New("webhook request failed")

// SubscriptionLister возвращает включённые подписки на событие.
type SubscriptionLister interface {
	ListByEvent(ctx context.Context, event string) ([]domain.Subscription, error)
}

// SecretDecrypter расшифровывает секреты подписок (encryption.Gateway).
type SecretDecrypter interface {
	DecryptString(s string) ([]byte, error)
}

// Envelope — тело webhook-запроса.
type Envelope struct {
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	DeliveryID string    `json:"delivery_id"`
	Data       any       `json:"data"`
}

// Webhook — handler "webhook.deliver".
//
// Kwargs:
//   - event (string): имя события (обязательно)
//   - data (any): полезная нагрузка
//
// Для каждой включённой подписки на событие отправляет POST с телом
// Envelope, подписанным HMAC-SHA256 секретом подписки (X-Signature,
// hex). X-Delivery-Id равен ID task: повторы одной task получатель
// может отбросить.
//
// 5xx, 429, таймауты и сетевые ошибки — временные; остальные 4xx —
// финальные. Если хотя бы одна доставка завершилась временной
// ошибкой, task повторяется целиком.
type Webhook struct {
	subs   SubscriptionLister
	cipher SecretDecrypter
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhook создаёт handler. client == nil — http.Client с таймаутом 10s.
func NewWebhook(subs SubscriptionLister, cipher SecretDecrypter, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		subs:   subs,
		cipher: cipher,
		client: client,
		logger: logger.With("handler", TypeWebhookDeliver),
		now:    time.Now,
	}
}

// deliveryOutcome — итог доставки одной подписке.
type deliveryOutcome struct {
	SubscriptionID string `json:"subscription_id"`
	StatusCode     int    `json:"status_code,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Handle доставляет событие всем подписчикам.
func (h *Webhook) Handle(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	event, ok := req.String("event")
	if !ok || event == "" {
		return nil, domain.Terminal(fmt.Errorf("%w: event is required", domain.ErrValidation))
	}

	subs, err := h.subs.ListByEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	if len(subs) == 0 {
		h.logger.Debug("no subscriptions for event", "event", event)
		return &worker.Response{Payload: map[string]any{"event": event, "delivered": 0}}, nil
	}

	body, err := json.Marshal(Envelope{
		Event:      event,
		Timestamp:  h.now().UTC(),
		DeliveryID: req.TaskID,
		Data:       req.Kwargs["data"],
	})
	if err != nil {
		return nil, domain.Terminal(fmt.Errorf("marshal envelope: %w", err))
	}

	h.logger.Info("delivering webhook", "event", event, "subscriptions", len(subs))

	var (
		delivered int
		outcomes  []deliveryOutcome
		errs      []error
	)
	for i := range subs {
		sub := &subs[i]
		status, err := h.deliver(ctx, sub, event, req.TaskID, body)
		outcome := deliveryOutcome{SubscriptionID: sub.ID.String(), StatusCode: status}
		if err != nil {
			outcome.Error = err.Error()
			errs = append(errs, err)
			h.logger.Warn("webhook delivery failed", "subscription_id", sub.ID, "url", sub.URL, "error", err)
		} else {
			delivered++
		}
		outcomes = append(outcomes, outcome)
	}

	if err := combine(errs); err != nil {
		return nil, err
	}

	return &worker.Response{Payload: map[string]any{
		"event":      event,
		"delivered":  delivered,
		"deliveries": outcomes,
	}}, nil
}

// deliver отправляет тело одной подписке.
func (h *Webhook) deliver(ctx context.Context, sub *domain.Subscription, event, deliveryID string, body []byte) (int, error) {
	secret, err := h.cipher.DecryptString(sub.SecretCiphertext)
	if err != nil {
		// ErrDecryption не оборачивается: класс task определяет combine.
		return 0, domain.Terminal(fmt.Errorf("subscription secret: %v", err))
	}
	signature := Sign(secret, body)
	domain.Secret(secret).Wipe()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, domain.Terminal(fmt.Errorf("%w: create request: %v", ErrWebhookRequest, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(HeaderEventType, event)
	httpReq.Header.Set(HeaderDeliveryID, deliveryID)
	httpReq.Header.Set(HeaderSignature, signature)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("%w: %v", ErrWebhookRequest, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))

	if resp.StatusCode < 400 {
		return resp.StatusCode, nil
	}

	err = fmt.Errorf("%w: HTTP %d: %s", ErrWebhookRequest, resp.StatusCode, truncate(string(respBody), maxErrorBody))
	if retryableStatus(resp.StatusCode) {
		return resp.StatusCode, domain.Transient(err)
	}
	return resp.StatusCode, domain.Terminal(err)
}

// Sign возвращает hex HMAC-SHA256 тела.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify проверяет подпись тела (для получателей и тестов).
func Verify(secret, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// combine объединяет ошибки доставок: одна временная ошибка делает
// временной всю task.
func combine(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	for _, err := range errs {
		if transient, _ := domain.IsTransient(err); transient {
			return domain.Transient(joined)
		}
	}
	return domain.Terminal(joined)
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
