// Package stage runs one pipeline step: consume a topic as a consumer group,
// decode each message, hand it to a process function on its own goroutine,
// and let that function publish to a fixed set of output topics.
//
// Offsets are committed once a message has been decoded and handed off, not
// when processing finishes, so delivery is at-least-once and process
// functions must tolerate replays.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/recipe-crawler/internal/queue"
)

var (
	// ErrStartup reports that the consumer or producer could not be started.
	ErrStartup = errors.New("stage startup failed")
	// ErrUnknownTopic is returned when a process function emits to a topic
	// the stage did not declare as an output.
	ErrUnknownTopic = errors.New("topic is not a declared stage output")
)

const (
	stopTimeout = 10 * time.Second
	tracerName  = "github.com/JakeFAU/recipe-crawler/internal/stage"
)

// Emitter publishes to the stage's declared output topics.
type Emitter interface {
	Emit(ctx context.Context, topic string, payload []byte) error
}

// Handler bundles the per-stage decode and process functions.
type Handler[T any] struct {
	Decode  func(payload []byte) (T, error)
	Process func(ctx context.Context, msg T, out Emitter) error
}

// Observer receives stage lifecycle counts. metrics.Pipeline implements it.
type Observer interface {
	MessageReceived(stage string)
	DecodeFailed(stage string)
	CommitFailed(stage string)
	ProcessStarted(stage string)
	ProcessFinished(stage, outcome string, elapsed time.Duration)
	Published(stage, topic string)
}

// Config describes one stage.
type Config struct {
	Name          string
	InputTopic    string
	Group         string
	OutputTopics  []string
	FromBeginning bool
	// MaxInFlight bounds concurrent process invocations; 0 means unbounded.
	MaxInFlight int
	// DrainTimeout is how long shutdown waits for in-flight work before
	// stopping the broker handles; 0 does not wait.
	DrainTimeout time.Duration
	// NewTraceRoot starts a fresh trace per message, linked to the upstream
	// span. Set on the stage that closes the links cycle so traces end.
	NewTraceRoot bool
}

// Stage is a running pipeline step over messages of type T.
type Stage[T any] struct {
	cfg       Config
	connector queue.Connector
	handler   Handler[T]
	logger    *zap.Logger
	observer  Observer
	outputs   map[string]struct{}
	sem       *semaphore.Weighted

	mu       sync.Mutex
	consumer queue.Consumer
	producer queue.Producer

	inflight sync.WaitGroup
}

// New validates cfg and builds a stage. A nil logger or observer is replaced
// with a no-op.
func New[T any](cfg Config, connector queue.Connector, handler Handler[T], logger *zap.Logger, observer Observer) (*Stage[T], error) {
	if cfg.Name == "" {
		return nil, errors.New("stage name is required")
	}
	if cfg.InputTopic == "" || cfg.Group == "" {
		return nil, fmt.Errorf("stage %s: input topic and group are required", cfg.Name)
	}
	if connector == nil {
		return nil, fmt.Errorf("stage %s: connector is required", cfg.Name)
	}
	if handler.Decode == nil || handler.Process == nil {
		return nil, fmt.Errorf("stage %s: decode and process functions are required", cfg.Name)
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("stage %s: max in flight must be >= 0", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Stage[T]{
		cfg:       cfg,
		connector: connector,
		handler:   handler,
		logger:    logger.With(zap.String("stage", cfg.Name)),
		observer:  observer,
		outputs:   make(map[string]struct{}, len(cfg.OutputTopics)),
	}
	for _, topic := range cfg.OutputTopics {
		s.outputs[topic] = struct{}{}
	}
	if cfg.MaxInFlight > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return s, nil
}

// Name returns the configured stage name.
func (s *Stage[T]) Name() string { return s.cfg.Name }

// Consumer returns the stage's consumer, creating it on first use. Later
// calls return the same handle until the stage shuts down.
func (s *Stage[T]) Consumer() (queue.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != nil {
		return s.consumer, nil
	}
	c, err := s.connector.NewConsumer(s.cfg.InputTopic, s.cfg.Group, queue.ConsumerOptions{
		FromBeginning: s.cfg.FromBeginning,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", s.cfg.InputTopic, err)
	}
	s.consumer = c
	return c, nil
}

// Producer returns the stage's producer, creating it on first use.
func (s *Stage[T]) Producer() (queue.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer != nil {
		return s.producer, nil
	}
	p, err := s.connector.NewProducer()
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	s.producer = p
	return p, nil
}

// Run starts the consumer and then the producer, consumes until ctx ends or
// the consumer closes, and shuts both down. If the consumer cannot start the
// producer is never started.
func (s *Stage[T]) Run(ctx context.Context) (err error) {
	consumer, err := s.startConsumer(ctx)
	if err != nil {
		return err
	}
	producer, err := s.startProducer(ctx)
	if err != nil {
		return errors.Join(err, s.shutdown(ctx))
	}
	s.logger.Info("Stage started",
		zap.String("input", s.cfg.InputTopic),
		zap.String("group", s.cfg.Group),
		zap.Strings("outputs", s.cfg.OutputTopics),
		zap.Bool("from_beginning", s.cfg.FromBeginning),
		zap.Int("max_in_flight", s.cfg.MaxInFlight),
	)

	defer func() {
		s.drain()
		if stopErr := s.shutdown(ctx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		s.logger.Info("Stage stopped")
	}()
	return s.consume(ctx, consumer, &emitter[T]{stage: s, producer: producer})
}

func (s *Stage[T]) startConsumer(ctx context.Context) (queue.Consumer, error) {
	consumer, err := s.Consumer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err := consumer.Start(ctx); err != nil {
		s.logger.Error("Consumer failed to start", zap.Error(err))
		return nil, fmt.Errorf("%w: start consumer on %s: %w", ErrStartup, s.cfg.InputTopic,
			errors.Join(err, s.shutdown(ctx)))
	}
	return consumer, nil
}

func (s *Stage[T]) startProducer(ctx context.Context) (queue.Producer, error) {
	producer, err := s.Producer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err := producer.Start(ctx); err != nil {
		s.logger.Error("Producer failed to start", zap.Error(err))
		return nil, fmt.Errorf("%w: start producer: %w", ErrStartup, err)
	}
	return producer, nil
}

func (s *Stage[T]) consume(ctx context.Context, consumer queue.Consumer, out Emitter) error {
	for {
		msg, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				s.logger.Info("Consumer loop ending", zap.Error(err))
				return nil
			}
			return fmt.Errorf("receive from %s: %w", s.cfg.InputTopic, err)
		}
		s.observer.MessageReceived(s.cfg.Name)

		value, err := s.handler.Decode(msg.Value)
		if err != nil {
			s.observer.DecodeFailed(s.cfg.Name)
			s.logger.Error("Dropping undecodable message",
				zap.String("topic", msg.Topic),
				zap.String("id", msg.ID),
				zap.Int("bytes", len(msg.Value)),
				zap.Error(err),
			)
		} else if err := s.dispatch(queue.ExtractTrace(ctx, msg), value, out); err != nil {
			// Only a canceled wait for a slot lands here; the message stays
			// uncommitted and is redelivered.
			s.logger.Info("Consumer loop ending before dispatch", zap.Error(err))
			return nil
		}

		if err := consumer.Commit(ctx, msg); err != nil {
			s.observer.CommitFailed(s.cfg.Name)
			s.logger.Warn("Commit failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

// dispatch hands value to a new goroutine, waiting for a slot first when the
// stage is bounded. The goroutine runs on a context detached from ctx so
// shutdown does not cancel work already handed off.
func (s *Stage[T]) dispatch(ctx context.Context, value T, out Emitter) error {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("wait for process slot: %w", err)
		}
	}
	s.inflight.Add(1)
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		if s.sem != nil {
			defer s.sem.Release(1)
		}
		s.process(workCtx, value, out)
	}()
	return nil
}

// process runs one message under its own span, parented to the trace the
// message arrived with unless the stage starts new roots.
func (s *Stage[T]) process(ctx context.Context, value T, out Emitter) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", s.cfg.InputTopic)),
	}
	if s.cfg.NewTraceRoot {
		if upstream := trace.SpanContextFromContext(ctx); upstream.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{SpanContext: upstream}))
		}
		opts = append(opts, trace.WithNewRoot())
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, s.cfg.Name+" process", opts...)
	defer span.End()
	logger := s.logger
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}

	start := time.Now()
	s.observer.ProcessStarted(s.cfg.Name)
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			span.SetStatus(codes.Error, "panic")
			logger.Error("Process panicked", zap.Any("panic", r))
		}
		s.observer.ProcessFinished(s.cfg.Name, outcome, time.Since(start))
	}()
	if err := s.handler.Process(ctx, value, out); err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Process failed", zap.Error(err))
	}
}

// Wait blocks until every dispatched process invocation has returned.
func (s *Stage[T]) Wait() {
	s.inflight.Wait()
}

func (s *Stage[T]) drain() {
	if s.cfg.DrainTimeout <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Drain timeout elapsed with work still in flight",
			zap.Duration("drain_timeout", s.cfg.DrainTimeout))
	}
}

// shutdown stops the consumer and then the producer. Both stops are always
// attempted and their errors joined. Handles are released so a later Run
// acquires fresh ones.
func (s *Stage[T]) shutdown(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	s.mu.Lock()
	consumer, producer := s.consumer, s.producer
	s.consumer, s.producer = nil, nil
	s.mu.Unlock()

	var errs []error
	if consumer != nil {
		if err := consumer.Stop(stopCtx); err != nil {
			s.logger.Error("Consumer failed to stop", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop consumer: %w", err))
		}
	}
	if producer != nil {
		if err := producer.Stop(stopCtx); err != nil {
			s.logger.Error("Producer failed to stop", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop producer: %w", err))
		}
	}
	return errors.Join(errs...)
}

type emitter[T any] struct {
	stage    *Stage[T]
	producer queue.Producer
}

func (e *emitter[T]) Emit(ctx context.Context, topic string, payload []byte) error {
	if _, ok := e.stage.outputs[topic]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if err := e.producer.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	e.stage.observer.Published(e.stage.cfg.Name, topic)
	return nil
}

type nopObserver struct{}

func (nopObserver) MessageReceived(string) {}
func (nopObserver) DecodeFailed(string) {}
func (nopObserver) CommitFailed(string) {}
func (nopObserver) ProcessStarted(string) {}
func (nopObserver) ProcessFinished(string, string, time.Duration) {}
func (nopObserver) Published(string, string) {}
