package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shaiso/Courier/internal/domain"
)

// getenv подменяется в тестах.
var getenv = os.Getenv

// taskFlags — общие флаги аргументов task для enqueue и schedule add.
type taskFlags struct {
	args       []string
	kwargs     []string
	secrets    []string
	secretEnvs []string
}

// parseValue разбирает значение как JSON (числа, bool, объекты),
// иначе оставляет строкой.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// splitPair разбирает "KEY=VALUE".
func splitPair(kv string) (string, string, error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid format %q, expected KEY=VALUE", kv)
	}
	return key, value, nil
}

func (f *taskFlags) positional() []any {
	out := make([]any, len(f.args))
	for i, a := range f.args {
		out[i] = parseValue(a)
	}
	return out
}

func (f *taskFlags) plain() (map[string]any, error) {
	out := make(map[string]any, len(f.kwargs))
	for _, kv := range f.kwargs {
		k, v, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		out[k] = parseValue(v)
	}
	return out, nil
}

// secretValues собирает секреты из --secret KEY=VALUE и
// --secret-env KEY=ENV_VAR. Значения из --secret видны в истории shell.
func (f *taskFlags) secretValues(getenv func(string) string) (map[string]domain.Secret, error) {
	out := make(map[string]domain.Secret, len(f.secrets)+len(f.secretEnvs))
	for _, kv := range f.secrets {
		k, v, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		out[k] = domain.Secret(v)
	}
	for _, kv := range f.secretEnvs {
		k, name, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		v := getenv(name)
		if v == "" {
			return nil, fmt.Errorf("secret %q: environment variable %s is empty", k, name)
		}
		out[k] = domain.Secret(v)
	}
	return out, nil
}

func wipeAll(secrets map[string]domain.Secret) {
	for _, s := range secrets {
		s.Wipe()
	}
}
