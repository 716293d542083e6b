package handlers

import (
	"bytes"
	"context"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/worker"
)

// TypeEcho — тип task echo.
const TypeEcho = "echo"

// Echo возвращает args и открытые kwargs. Полученные секреты
// возвращаются копией и попадают в результат зашифрованными.
func Echo(_ context.Context, req *worker.Request) (*worker.Response, error) {
	secrets := make(map[string]domain.Secret, len(req.Secrets))
	for name, s := range req.Secrets {
		secrets[name] = domain.Secret(bytes.Clone(s.Reveal()))
	}

	return &worker.Response{
		Payload: map[string]any{
			"args":   req.Args,
			"kwargs": req.Kwargs,
		},
		Secrets: secrets,
	}, nil
}
