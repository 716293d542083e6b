// Package encryption шифрует чувствительные поля task до того,
// как они пересекают границу брокера или БД.
//
// Формат шифротекста:
//
//	version(1) || nonce(24) || ciphertext+tag
//
// Алгоритм — XChaCha20-Poly1305. Nonce случайный на каждый вызов,
// байт версии передаётся как associated data. В JSON шифротекст
// передаётся как URL-safe base64 без padding.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shaiso/Courier/internal/domain"
)

// KeySize — размер ключа в байтах.
const KeySize = chacha20poly1305.KeySize

const version byte = 1

var (
	// ErrDecryption — шифротекст повреждён или ключ не совпадает.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidKey — ключ отсутствует или имеет неверный формат.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Gateway шифрует и расшифровывает значения одним симметричным ключом.
// Ключ задаётся при создании и больше не меняется; Gateway безопасен
// для конкурентного использования.
type Gateway struct {
	aead cipher.AEAD
	rand io.Reader
}

// New создаёт Gateway для 32-байтового ключа.
func New(key []byte) (*Gateway, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Gateway{aead: aead, rand: rand.Reader}, nil
}

// ParseKey декодирует ключ из base64 (URL-safe или стандартного,
// с padding или без). Ключи в формате Fernet подходят как есть.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	encodings := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	for _, enc := range encodings {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: not valid base64", ErrInvalidKey)
}

// FromEnv создаёт Gateway из переменной окружения.
func FromEnv(name string) (*Gateway, error) {
	key, err := ParseKey(os.Getenv(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return New(key)
}

// GenerateKey возвращает новый случайный ключ в URL-safe base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// Encrypt шифрует plaintext.
func (g *Gateway) Encrypt(plaintext []byte) ([]byte, error) {
	nonceSize := g.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+g.aead.Overhead())
	out[0] = version
	if _, err := io.ReadFull(g.rand, out[1:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return g.aead.Seal(out, out[1:], plaintext, out[:1]), nil
}

// Decrypt расшифровывает ciphertext. Любая ошибка оборачивает
// ErrDecryption и не содержит входных данных.
func (g *Gateway) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := g.aead.NonceSize()
	if len(ciphertext) < 1+nonceSize+g.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	if ciphertext[0] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecryption, ciphertext[0])
	}

	nonce := ciphertext[1 : 1+nonceSize]
	plaintext, err := g.aead.Open(nil, nonce, ciphertext[1+nonceSize:], ciphertext[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString шифрует plaintext и возвращает base64.
func (g *Gateway) EncryptString(plaintext []byte) (string, error) {
	ct, err := g.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

// DecryptString расшифровывает base64-шифротекст.
func (g *Gateway) DecryptString(s string) ([]byte, error) {
	ct, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", ErrDecryption)
	}
	return g.Decrypt(ct)
}

// FieldError — ошибка расшифровки конкретного поля.
type FieldError struct {
	Field string
	Err   error
}

// Error реализует интерфейс error.
func (e *FieldError) Error() string {
	return "field " + e.Field + ": " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *FieldError) Unwrap() error {
	return e.Err
}

// DecryptFields расшифровывает перечисленные поля values.
// При ошибке уже расшифрованные значения затираются.
func (g *Gateway) DecryptFields(values map[string]any, names []string) (map[string]domain.Secret, error) {
	secrets := make(map[string]domain.Secret, len(names))
	wipe := func() {
		for _, s := range secrets {
			s.Wipe()
		}
	}

	for _, name := range names {
		raw, ok := values[name].(string)
		if !ok {
			wipe()
			return nil, &FieldError{Field: name, Err: fmt.Errorf("%w: value is not a string", ErrDecryption)}
		}
		plaintext, err := g.DecryptString(raw)
		if err != nil {
			wipe()
			return nil, &FieldError{Field: name, Err: err}
		}
		secrets[name] = domain.Secret(plaintext)
	}
	return secrets, nil
}

// EncryptFields шифрует секреты и возвращает значения для kwargs/payload
// вместе с отсортированным списком имён.
func (g *Gateway) EncryptFields(secrets map[string]domain.Secret) (map[string]any, []string, error) {
	values := make(map[string]any, len(secrets))
	names := make([]string, 0, len(secrets))
	for name, s := range secrets {
		ct, err := g.EncryptString(s.Reveal())
		if err != nil {
			return nil, nil, fmt.Errorf("encrypt field %s: %w", name, err)
		}
		values[name] = ct
		names = append(names, name)
	}
	slices.Sort(names)
	return values, names, nil
}
