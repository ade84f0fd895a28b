package coordinator

import (
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"go.uber.org/zap"
)

// OperationOutcome describes what happened to one queued operation during a drain.
type OperationOutcome string

const (
	OutcomeSucceeded  OperationOutcome = "succeeded"
	OutcomeFailed     OperationOutcome = "failed"
	OutcomeDropped    OperationOutcome = "dropped"
	OutcomeSuperseded OperationOutcome = "superseded"
	OutcomeHalted     OperationOutcome = "halted"
)

// Run outcomes reported to observers.
const (
	RunOutcomeSucceeded       = "succeeded"
	RunOutcomeFailed          = "failed"
	RunOutcomeOffline         = "offline"
	RunOutcomeUnauthenticated = "unauthenticated"
)

// Observer receives structured sync telemetry.
type Observer interface {
	RunSkipped(mode Mode)
	RunFinished(mode Mode, outcome string, duration time.Duration)
	OperationFinished(operation queue.PendingOperation, outcome OperationOutcome, err error)
}

type nopObserver struct{}

func (nopObserver) RunSkipped(Mode)                                                 {}
func (nopObserver) RunFinished(Mode, string, time.Duration)                         {}
func (nopObserver) OperationFinished(queue.PendingOperation, OperationOutcome, error) {}

// LogObserver writes sync telemetry to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver constructs an observer that logs through logger.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) RunSkipped(mode Mode) {
	o.logger.Debug("sync run skipped; another run is active", zap.String("mode", string(mode)))
}

func (o *LogObserver) RunFinished(mode Mode, outcome string, duration time.Duration) {
	o.logger.Info("sync run finished",
		zap.String("mode", string(mode)),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration))
}

func (o *LogObserver) OperationFinished(operation queue.PendingOperation, outcome OperationOutcome, err error) {
	fields := []zap.Field{
		zap.String("operation_id", operation.ID),
		zap.String("kind", string(operation.Kind)),
		zap.Int64("media_id", operation.TargetMediaID),
		zap.Int("retry_count", operation.RetryCount),
		zap.String("outcome", string(outcome)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	switch outcome {
	case OutcomeDropped:
		o.logger.Warn("pending operation dropped after repeated failures", fields...)
	case OutcomeFailed, OutcomeHalted:
		o.logger.Info("pending operation not applied", fields...)
	default:
		o.logger.Debug("pending operation applied", fields...)
	}
}

// MultiObserver fans telemetry out to several observers.
type MultiObserver []Observer

func (m MultiObserver) RunSkipped(mode Mode) {
	for _, observer := range m {
		observer.RunSkipped(mode)
	}
}

func (m MultiObserver) RunFinished(mode Mode, outcome string, duration time.Duration) {
	for _, observer := range m {
		observer.RunFinished(mode, outcome, duration)
	}
}

func (m MultiObserver) OperationFinished(operation queue.PendingOperation, outcome OperationOutcome, err error) {
	for _, observer := range m {
		observer.OperationFinished(operation, outcome, err)
	}
}
