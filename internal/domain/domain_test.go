package domain

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Task decoding ---

func TestDecodeTask_Valid(t *testing.T) {
	body := []byte(`{"id":"t1","type":"noop","args":[1,"two"],"kwargs":{"k":"v"},"retries":0}`)

	task, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.ID != "t1" || task.Type != "noop" {
		t.Errorf("unexpected task: %+v", task)
	}
	if len(task.Args) != 2 {
		t.Errorf("expected 2 args, got %d", len(task.Args))
	}
}

func TestDecodeTask_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"not json", "hello"},
		{"truncated", `{"id":"t1"`},
		{"wrong args type", `{"id":"t1","type":"noop","args":"x"}`},
		{"trailing data", `{"id":"t1","type":"noop"} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := DecodeTask([]byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if task != nil {
				t.Errorf("expected nil task, got %+v", task)
			}
		})
	}
}

func TestDecodeTask_InvalidKeepsID(t *testing.T) {
	task, err := DecodeTask([]byte(`{"id":"t1","type":""}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatal("partially decoded task should be returned")
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"ok", Task{ID: "a", Type: "noop"}, false},
		{"missing id", Task{Type: "noop"}, true},
		{"missing type", Task{ID: "a"}, true},
		{"negative retries", Task{ID: "a", Type: "noop", Retries: -1}, true},
		{"marker without field", Task{ID: "a", Type: "noop", Encrypted: []string{"key"}}, true},
		{"marker on non-string", Task{ID: "a", Type: "noop", Kwargs: map[string]any{"key": 1}, Encrypted: []string{"key"}}, true},
		{"duplicate marker", Task{ID: "a", Type: "noop", Kwargs: map[string]any{"key": "x"}, Encrypted: []string{"key", "key"}}, true},
		{"marker ok", Task{ID: "a", Type: "noop", Kwargs: map[string]any{"key": "x"}, Encrypted: []string{"key"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTask_RetryLimit(t *testing.T) {
	task := &Task{ID: "a", Type: "noop"}
	if task.RetryLimit(3) != 3 {
		t.Error("expected configured limit")
	}

	zero := 0
	task.MaxRetries = &zero
	if task.RetryLimit(3) != 0 {
		t.Error("expected override 0")
	}
	if task.CanRetry(3) {
		t.Error("task with max_retries=0 should not retry")
	}
}

func TestTask_CanRetry(t *testing.T) {
	for retries := 0; retries <= 5; retries++ {
		task := &Task{Retries: retries}
		want := retries < 3
		if got := task.CanRetry(3); got != want {
			t.Errorf("retries=%d: expected CanRetry=%v, got %v", retries, want, got)
		}
	}
}

func TestTask_LogValueHidesKwargs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	task := &Task{
		ID:        "t1",
		Type:      "noop",
		Kwargs:    map[string]any{"api_key": "Q0lQSEVSVEVYVA"},
		Encrypted: []string{"api_key"},
	}
	logger.Info("task", "task", task)

	out := buf.String()
	if strings.Contains(out, "Q0lQSEVSVEVYVA") {
		t.Errorf("ciphertext leaked into log: %s", out)
	}
	if !strings.Contains(out, "t1") {
		t.Errorf("task id missing from log: %s", out)
	}
}

func TestTask_PlainKwargs(t *testing.T) {
	task := &Task{
		Kwargs:    map[string]any{"a": 1, "secret": "x"},
		Encrypted: []string{"secret"},
	}
	plain := task.PlainKwargs()
	if _, ok := plain["secret"]; ok {
		t.Error("encrypted field should be excluded")
	}
	if plain["a"] != 1 {
		t.Error("plain field should be kept")
	}
}

func TestEncodeTask_RoundTrip(t *testing.T) {
	task := &Task{ID: "t1", Type: "noop", Args: []any{"x"}, Retries: 2}
	body, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Retries != 2 || decoded.ID != "t1" {
		t.Errorf("unexpected decoded task: %+v", decoded)
	}
}

func TestEncodeTask_Invalid(t *testing.T) {
	if _, err := EncodeTask(&Task{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// --- Secret ---

func TestSecret_Redacted(t *testing.T) {
	s := Secret("hunter2")

	outputs := []string{
		s.String(),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%x", s),
		fmt.Sprintf("%#v", s),
	}
	for _, out := range outputs {
		if strings.Contains(out, "hunter2") || strings.Contains(out, "68756e74657232") {
			t.Errorf("secret leaked: %q", out)
		}
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("x", "secret", s)
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("secret leaked into slog: %s", buf.String())
	}

	if string(s.Reveal()) != "hunter2" {
		t.Error("Reveal should return plaintext")
	}
}

func TestSecret_Wipe(t *testing.T) {
	s := Secret("abc")
	s.Wipe()
	for _, b := range s {
		if b != 0 {
			t.Fatal("secret should be zeroed")
		}
	}
}

// --- State machine ---

func TestTaskState_Transitions(t *testing.T) {
	allowed := map[TaskState][]TaskState{
		TaskStateReceived:  {TaskStateDecoding, TaskStateFailed},
		TaskStateDecoding:  {TaskStateExecuting, TaskStateFailed},
		TaskStateExecuting: {TaskStateSucceeded, TaskStateRetryScheduled, TaskStateFailed},
	}
	all := []TaskState{
		TaskStateReceived, TaskStateDecoding, TaskStateExecuting,
		TaskStateSucceeded, TaskStateRetryScheduled, TaskStateFailed,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s → %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	if TaskStateExecuting.IsTerminal() {
		t.Error("EXECUTING should not be terminal")
	}
	for _, s := range []TaskState{TaskStateSucceeded, TaskStateRetryScheduled, TaskStateFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestResultStatusFor(t *testing.T) {
	if ResultStatusFor(TaskStateSucceeded) != ResultStatusSuccess {
		t.Error("SUCCEEDED → success")
	}
	if ResultStatusFor(TaskStateRetryScheduled) != ResultStatusRetryScheduled {
		t.Error("RETRY_SCHEDULED → retry-scheduled")
	}
	if ResultStatusFor(TaskStateFailed) != ResultStatusFailure {
		t.Error("FAILED → failure")
	}
}

// --- Errors ---

type connErr struct{}

func (connErr) Error() string   { return "connection refused" }
func (connErr) Transient() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantTransient  bool
		wantClassified bool
	}{
		{"plain", errors.New("boom"), false, false},
		{"transient", Transient(errors.New("blip")), true, true},
		{"terminal", Terminal(errors.New("bad")), false, true},
		{"self-classified", fmt.Errorf("query: %w", connErr{}), true, true},
		{"terminal wins over inner transient", Terminal(connErr{}), false, true},
		{"transientf", Transientf("code %d", 503), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transient, classified := IsTransient(tt.err)
			if transient != tt.wantTransient || classified != tt.wantClassified {
				t.Errorf("IsTransient() = (%v, %v), want (%v, %v)",
					transient, classified, tt.wantTransient, tt.wantClassified)
			}
		})
	}
}

func TestTransient_Nil(t *testing.T) {
	if Transient(nil) != nil || Terminal(nil) != nil {
		t.Error("classifying nil should return nil")
	}
}

// --- PeriodicTask ---

func TestPeriodicTask_TaskIDDeterministic(t *testing.T) {
	p := &PeriodicTask{ID: uuid.New()}
	due := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	if p.TaskIDFor(due) != p.TaskIDFor(due) {
		t.Error("same due should give the same task id")
	}
	if p.TaskIDFor(due) == p.TaskIDFor(due.Add(time.Minute)) {
		t.Error("different due should give different task ids")
	}
}

func TestPeriodicTask_IsDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	if (&PeriodicTask{Enabled: true, NextDueAt: &past}).IsDue(now) != true {
		t.Error("past due should be due")
	}
	if (&PeriodicTask{Enabled: true, NextDueAt: &future}).IsDue(now) {
		t.Error("future should not be due")
	}
	if (&PeriodicTask{Enabled: false, NextDueAt: &past}).IsDue(now) {
		t.Error("disabled should not be due")
	}
}

func TestPeriodicTask_NewTaskCopiesKwargs(t *testing.T) {
	p := &PeriodicTask{
		ID:        uuid.New(),
		TaskType:  "webhook.deliver",
		Kwargs:    map[string]any{"token": "CIPHERTEXT"},
		Encrypted: []string{"token"},
	}
	due := time.Now()
	task := p.NewTask(due, due)

	task.Kwargs["token"] = "changed"
	if p.Kwargs["token"] != "CIPHERTEXT" {
		t.Error("task kwargs should be a copy")
	}
	if err := task.Validate(); err != nil {
		t.Errorf("task should be valid: %v", err)
	}
}
