package domain

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Subscription — подписка внешнего endpoint'а на событие.
// Используется handler'ом webhook.deliver.
type Subscription struct {
	// ID — уникальный идентификатор подписки.
	ID uuid.UUID `json:"id"`

	// Event — имя события, например "order.created".
	Event string `json:"event"`

	// URL — адрес, на который отправляется POST.
	URL string `json:"url"`

	// SecretCiphertext — ключ подписи HMAC, зашифрованный
	// EncryptionGateway. В открытом виде не хранится.
	SecretCiphertext string `json:"-"`

	// Enabled — флаг активности.
	Enabled bool `json:"enabled"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Validate проверяет подписку перед сохранением.
func (s *Subscription) Validate() error {
	if s.Event == "" {
		return newValidationError("event", "is required", nil)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newValidationError("url", "must be an absolute http(s) url", nil)
	}
	if s.SecretCiphertext == "" {
		return newValidationError("secret", "is required", nil)
	}
	return nil
}
