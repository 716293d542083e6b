package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/report"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultMaxRetries = 3
	defaultOpAttempts = 5
)

var (
	defaultRetryBackoff = broker.Backoff{Initial: time.Second, Max: 5 * time.Minute}
	defaultOpBackoff    = broker.Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second}
)

// Cipher — операции EncryptionGateway, нужные диспетчеру.
type Cipher interface {
	DecryptFields(values map[string]any, names []string) (map[string]domain.Secret, error)
	EncryptFields(secrets map[string]domain.Secret) (map[string]any, []string, error)
}

// Journal сохраняет результаты task в datastore (repo.ResultRepo).
// Ошибки журнала только логируются.
type Journal interface {
	Record(ctx context.Context, result *domain.TaskResult) error
}

// DispatcherConfig — конфигурация Dispatcher.
type DispatcherConfig struct {
	// Broker — источник доставок и result backend (обязательно).
	Broker broker.Broker

	// Cipher — расшифровка и шифрование полей (обязательно).
	Cipher Cipher

	// Registry — handler'ы (если nil — NewRegistry()).
	Registry *Registry

	// Classifier — классификация ошибок handler'ов
	// (если nil — DefaultClassifier).
	Classifier Classifier

	// Reporter — получатель финальных ошибок (если nil — report.Nop).
	Reporter report.Reporter

	// Journal — опциональный журнал результатов в datastore.
	Journal Journal

	// MaxRetries — лимит повторов (default: 3, отрицательное значение —
	// без повторов). Task может переопределить.
	MaxRetries int

	// RetryBackoff — задержка перед повтором task (default: 1s..5m).
	RetryBackoff broker.Backoff

	// OpAttempts — попытки ack/nack/publish_result при недоступном
	// брокере (default: 5).
	OpAttempts int

	// OpBackoff — задержка между попытками операций брокера.
	OpBackoff broker.Backoff

	// HandlerTimeout — ограничение времени handler'а (0 — без ограничения).
	HandlerTimeout time.Duration

	// Logger
	Logger *slog.Logger
}

// Dispatcher проводит одну доставку через конечный автомат
// RECEIVED → DECODING → EXECUTING → {SUCCEEDED, RETRY_SCHEDULED, FAILED}.
//
// Dispatcher не хранит состояния между доставками и безопасен для
// одновременного вызова из нескольких горутин.
type Dispatcher struct {
	broker         broker.Broker
	cipher         Cipher
	registry       *Registry
	classifier     Classifier
	reporter       report.Reporter
	journal        Journal
	maxRetries     int
	retryBackoff   broker.Backoff
	opAttempts     int
	opBackoff      broker.Backoff
	handlerTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewDispatcher создаёт Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Broker == nil {
		return nil, errors.New("dispatcher: broker is required")
	}
	if cfg.Cipher == nil {
		return nil, errors.New("dispatcher: cipher is required")
	}

	d := &Dispatcher{
		broker:         cfg.Broker,
		cipher:         cfg.Cipher,
		registry:       cfg.Registry,
		classifier:     cfg.Classifier,
		reporter:       cfg.Reporter,
		journal:        cfg.Journal,
		maxRetries:     cfg.MaxRetries,
		retryBackoff:   cfg.RetryBackoff,
		opAttempts:     cfg.OpAttempts,
		opBackoff:      cfg.OpBackoff,
		handlerTimeout: cfg.HandlerTimeout,
		logger:         cfg.Logger,
		now:            time.Now,
	}

	if d.registry == nil {
		d.registry = NewRegistry()
	}
	if d.classifier == nil {
		d.classifier = DefaultClassifier
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatcher")
	if d.reporter == nil {
		d.reporter = report.Nop{}
	}
	d.reporter = report.Safe(d.reporter, d.logger)
	switch {
	case d.maxRetries < 0:
		d.maxRetries = 0
	case d.maxRetries == 0:
		d.maxRetries = defaultMaxRetries
	}
	if d.retryBackoff == (broker.Backoff{}) {
		d.retryBackoff = defaultRetryBackoff
	}
	if d.opAttempts <= 0 {
		d.opAttempts = defaultOpAttempts
	}
	if d.opBackoff == (broker.Backoff{}) {
		d.opBackoff = defaultOpBackoff
	}

	return d, nil
}

// Registry возвращает реестр handler'ов.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch обрабатывает доставку и возвращает финальное состояние.
// Ошибки уровня task не покидают Dispatch: они превращаются в
// результат в result backend и, для FAILED, в отчёт ErrorReporter.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery *broker.Delivery) domain.TaskState {
	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()

	x := &dispatch{
		Dispatcher: d,
		delivery:   delivery,
		state:      domain.TaskStateReceived,
		logger:     d.logger.With("message_id", delivery.MessageID),
	}
	state := x.run(ctx)

	telemetry.TasksProcessed.WithLabelValues(x.taskType(), string(state)).Inc()
	return state
}

// dispatch — состояние обработки одной доставки.
type dispatch struct {
	*Dispatcher

	delivery *broker.Delivery
	task     *domain.Task
	state    domain.TaskState
	logger   *slog.Logger
}

func (x *dispatch) run(ctx context.Context) domain.TaskState {
	x.moveTo(domain.TaskStateDecoding)

	task, err := domain.DecodeTask(x.delivery.Body)
	x.task = task
	if task != nil {
		x.logger = telemetry.WithTask(x.logger, task.ID, task.Type)
	}
	if err != nil {
		return x.fail(ctx, err, domain.ClassTerminal)
	}

	if limit := task.RetryLimit(x.maxRetries); task.Retries > limit {
		err := fmt.Errorf("%w: %w: retries %d, limit %d", domain.ErrValidation, ErrRetryLimitExceeded, task.Retries, limit)
		return x.fail(ctx, err, domain.ClassTerminal)
	}

	handler, err := x.registry.Get(task.Type)
	if err != nil {
		return x.fail(ctx, err, domain.ClassTerminal)
	}

	secrets, err := x.cipher.DecryptFields(task.Kwargs, task.Encrypted)
	if err != nil {
		return x.fail(ctx, err, domain.ClassTerminal)
	}
	defer wipe(secrets)

	x.moveTo(domain.TaskStateExecuting)
	x.logger.Debug("task started", "retries", task.Retries, "redelivered", x.delivery.Redelivered)

	resp, err := x.execute(ctx, handler, secrets)
	if err != nil {
		class := x.classifier.Classify(err)
		if class == domain.ClassTransient {
			if task.CanRetry(x.maxRetries) {
				return x.retry(ctx, err)
			}
			x.logger.Warn("retry limit reached", "retries", task.Retries)
		}
		return x.fail(ctx, err, class)
	}

	return x.succeed(ctx, resp)
}

// execute вызывает handler. Паника превращается в финальную ошибку.
func (x *dispatch) execute(ctx context.Context, h Handler, secrets map[string]domain.Secret) (resp *Response, err error) {
	if x.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.handlerTimeout)
		defer cancel()
	}

	req := &Request{
		TaskID:   x.task.ID,
		TaskType: x.task.Type,
		Args:     x.task.Args,
		Kwargs:   x.task.PlainKwargs(),
		Secrets:  secrets,
		Retries:  x.task.Retries,
	}

	start := time.Now()
	defer func() {
		telemetry.TaskDuration.WithLabelValues(x.task.Type).Observe(time.Since(start).Seconds())

		if r := recover(); r != nil {
			x.logger.Error("handler panicked", "stack", string(debug.Stack()))
			resp, err = nil, domain.Terminal(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()

	resp, err = h.Handle(ctx, req)
	if err == nil && resp == nil {
		resp = &Response{}
	}
	return resp, err
}

// succeed: EXECUTING → SUCCEEDED.
func (x *dispatch) succeed(ctx context.Context, resp *Response) domain.TaskState {
	result := x.newResult(domain.ResultStatusSuccess)
	result.Payload = resp.Payload

	if len(resp.Secrets) > 0 {
		values, names, err := x.cipher.EncryptFields(resp.Secrets)
		wipe(resp.Secrets)
		if err != nil {
			return x.fail(ctx, err, domain.ClassTerminal)
		}
		payload := make(map[string]any, len(resp.Payload)+len(values))
		maps.Copy(payload, resp.Payload)
		maps.Copy(payload, values)
		result.Payload = payload
		result.Encrypted = names
	}

	if !x.publish(ctx, result) {
		err := fmt.Errorf("%w: %s", ErrResultNotPublished, result.Status)
		if x.task.CanRetry(x.maxRetries) {
			return x.retry(ctx, err)
		}
		return x.fail(ctx, err, domain.ClassTransient)
	}

	x.moveTo(domain.TaskStateSucceeded)
	x.ack(ctx)
	x.record(ctx, result)

	x.logger.Info("task succeeded", "retries", x.task.Retries)
	return domain.TaskStateSucceeded
}

// retry: EXECUTING → RETRY_SCHEDULED. Тело сообщения переписывается
// с Retries+1 и возвращается в очередь с задержкой.
func (x *dispatch) retry(ctx context.Context, cause error) domain.TaskState {
	next := *x.task
	next.Retries++

	body, err := domain.EncodeTask(&next)
	if err != nil {
		return x.fail(ctx, err, domain.ClassTerminal)
	}
	delay := x.retryBackoff.Delay(next.Retries)

	result := x.newResult(domain.ResultStatusRetryScheduled)
	result.Retries = next.Retries
	result.Error = cause.Error()
	x.publish(ctx, result)

	x.moveTo(domain.TaskStateRetryScheduled)
	requeued := *x.delivery
	requeued.Body = body
	requeued.RetryDelay = delay
	x.nack(ctx, &requeued)
	x.record(ctx, result)

	x.logger.Warn("task retry scheduled",
		"retries", next.Retries,
		"delay", delay,
		"error", cause,
	)
	return domain.TaskStateRetryScheduled
}

// fail: → FAILED. Сообщение подтверждается всегда, даже если результат
// не записан в result backend: повторная доставка снова дала бы FAILED.
func (x *dispatch) fail(ctx context.Context, err error, class domain.ErrorClass) domain.TaskState {
	if x.task != nil && x.task.ID != "" {
		result := x.newResult(domain.ResultStatusFailure)
		result.Error = err.Error()
		x.publish(ctx, result)
		x.record(ctx, result)
	}

	x.moveTo(domain.TaskStateFailed)
	x.ack(ctx)
	x.reporter.Report(ctx, err, x.tags(errorClass(err, class)))

	return domain.TaskStateFailed
}

// publish записывает результат. После исчерпания попыток запись
// теряется: остаётся только журнал в datastore.
func (x *dispatch) publish(ctx context.Context, result *domain.TaskResult) bool {
	err := x.withRetry(ctx, "publish_result", func(ctx context.Context) error {
		return x.broker.PublishResult(ctx, result)
	})
	if err != nil {
		telemetry.ResultsLost.WithLabelValues(string(result.Status)).Inc()
		x.logger.Error("task result lost", "status", result.Status, "error", err)
		return false
	}
	return true
}

func (x *dispatch) ack(ctx context.Context) {
	_ = x.withRetry(ctx, "ack", func(ctx context.Context) error {
		return x.broker.Ack(ctx, x.delivery)
	})
}

func (x *dispatch) nack(ctx context.Context, d *broker.Delivery) {
	_ = x.withRetry(ctx, "nack", func(ctx context.Context) error {
		return x.broker.Nack(ctx, d, true)
	})
}

// withRetry повторяет операцию брокера. Неудача не меняет состояние task:
// неподтверждённое сообщение брокер доставит повторно.
func (x *dispatch) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := broker.Retry(ctx, x.opAttempts, x.opBackoff, fn)
	if err != nil {
		telemetry.BrokerErrors.WithLabelValues(op).Inc()
		x.logger.Error("broker operation failed", "op", op, "error", err)
	}
	return err
}

func (x *dispatch) record(ctx context.Context, result *domain.TaskResult) {
	if x.journal == nil {
		return
	}
	if err := x.journal.Record(ctx, result); err != nil {
		x.logger.Warn("failed to record task result", "error", err)
	}
}

func (x *dispatch) moveTo(next domain.TaskState) {
	if !x.state.CanTransitionTo(next) {
		x.logger.Error("invalid task state transition", "from", x.state, "to", next)
	}
	x.state = next
}

func (x *dispatch) newResult(status domain.ResultStatus) *domain.TaskResult {
	return &domain.TaskResult{
		TaskID:      x.task.ID,
		TaskType:    x.task.Type,
		Status:      status,
		Retries:     x.task.Retries,
		CompletedAt: x.now().UTC(),
	}
}

func (x *dispatch) taskType() string {
	if x.task == nil || x.task.Type == "" {
		return "unknown"
	}
	return x.task.Type
}

// tags — контекст для ErrorReporter. Kwargs не передаются.
func (x *dispatch) tags(class string) map[string]string {
	tags := map[string]string{
		report.TagTaskType:   x.taskType(),
		report.TagState:      string(domain.TaskStateFailed),
		report.TagErrorClass: class,
	}
	if x.task != nil {
		tags[report.TagTaskID] = x.task.ID
		tags[report.TagRetries] = strconv.Itoa(x.task.Retries)
	}
	return tags
}

func wipe(secrets map[string]domain.Secret) {
	for _, s := range secrets {
		s.Wipe()
	}
}
