package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/worker"
)

const (
	// TypeSleep — тип task sleep.
	TypeSleep = "sleep"

	maxSleep = time.Hour
)

// Sleep приостанавливает выполнение на заданное время и учитывает
// отмену ctx (TASK_TIMEOUT). Используется для проверки таймаутов
// и graceful shutdown.
//
// Kwargs:
//
//	{"duration": "1.5s"}   // time.ParseDuration
//	{"duration_ms": 1500}  // миллисекунды
func Sleep(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	d, err := sleepDuration(req.Kwargs)
	if err != nil {
		return nil, domain.Terminal(err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return &worker.Response{
			Payload: map[string]any{"slept_ms": d.Milliseconds()},
		}, nil
	}
}

func sleepDuration(kwargs map[string]any) (time.Duration, error) {
	var d time.Duration
	switch {
	case kwargs["duration"] != nil:
		s, ok := kwargs["duration"].(string)
		if !ok {
			return 0, &domain.ValidationError{Field: "duration", Message: "must be a duration string"}
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, &domain.ValidationError{Field: "duration", Message: err.Error()}
		}
		d = parsed
	case kwargs["duration_ms"] != nil:
		ms, ok := kwargs["duration_ms"].(float64)
		if !ok {
			return 0, &domain.ValidationError{Field: "duration_ms", Message: "must be a number"}
		}
		d = time.Duration(ms * float64(time.Millisecond))
	default:
		return 0, &domain.ValidationError{Field: "duration", Message: "duration or duration_ms is required"}
	}

	if d <= 0 || d > maxSleep {
		return 0, &domain.ValidationError{Field: "duration", Message: fmt.Sprintf("must be in (0, %s]", maxSleep)}
	}
	return d, nil
}
