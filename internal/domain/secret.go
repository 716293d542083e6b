package domain

import (
	"fmt"
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret — расшифрованное значение EncryptedField.
//
// Живёт только в памяти воркера на время выполнения handler'а.
// Любой вывод (fmt, slog, json) скрывает содержимое.
type Secret []byte

// String реализует fmt.Stringer.
func (s Secret) String() string {
	return redacted
}

// GoString скрывает значение для %#v.
func (s Secret) GoString() string {
	return redacted
}

// Format скрывает значение для всех глаголов fmt, включая %x и %s.
func (s Secret) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, redacted)
}

// LogValue реализует slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalJSON не даёт случайно сериализовать секрет.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Reveal возвращает открытое значение. Вызывающий отвечает за то,
// чтобы значение не попало в логи.
func (s Secret) Reveal() []byte {
	return []byte(s)
}

// Wipe затирает значение.
func (s Secret) Wipe() {
	for i := range s {
		s[i] = 0
	}
}
