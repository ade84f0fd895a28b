package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultMaxRetries is the failure count at which an operation is dropped.
const DefaultMaxRetries = 5

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrInvalidMediaID indicates that a target media id is not positive.
	ErrInvalidMediaID = errors.New("queue: invalid media id")
	noOpLogger        = zap.NewNop()
)

// QueueError carries a stable operation code alongside the underlying cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

const (
	opQueueNew     = "queue.new"
	opEnqueue      = "queue.enqueue"
	opDrain        = "queue.drain"
	opMarkSucceed  = "queue.mark_succeeded"
	opMarkFailed   = "queue.mark_failed"
	opFind         = "queue.find"
	opLen          = "queue.len"
	opDecodeRecord = "queue.decode_record"
)

func newQueueError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &QueueError{code: code, err: cause}
}

// OperationRecord is the persisted form of a pending operation.
type OperationRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	Kind             Kind   `gorm:"column:kind;size:32;not null"`
	TargetMediaID    int64  `gorm:"column:target_media_id;not null;uniqueIndex:idx_pending_target"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	Sequence         int64  `gorm:"column:sequence;not null;index:idx_pending_sequence"`
	Revision         int64  `gorm:"column:revision;not null;default:1"`
	RetryCount       int    `gorm:"column:retry_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "pending_operations"
}

// PendingOperation is a queued intent to mutate the remote list.
type PendingOperation struct {
	ID               string
	Kind             Kind
	TargetMediaID    int64
	Payload          Payload
	CreatedAtSeconds int64
	Sequence         int64
	Revision         int64
	RetryCount       int
}

// FailureOutcome reports what MarkFailed did with the operation.
type FailureOutcome struct {
	RetryCount int
	GaveUp     bool
	// Superseded is set when a newer intent replaced the operation while it was in flight.
	Superseded bool
}

// QueueConfig wires the Queue collaborators.
type QueueConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	MaxRetries int
}

// Queue is a durable FIFO of pending operations holding at most one operation per media id.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	maxRetries int
}

// NewQueue validates the configuration and constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newQueueError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		maxRetries: maxRetries,
	}, nil
}

// MaxRetries returns the failure count at which operations are dropped.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends the intent, or replaces the intent already queued for the
// media id and moves it to the back of the queue with a fresh retry budget.
func (q *Queue) Enqueue(ctx context.Context, mediaID int64, payload Payload) (PendingOperation, error) {
	if mediaID <= 0 {
		return PendingOperation{}, newQueueError(opEnqueue, "invalid_media_id", fmt.Errorf("%w: %d", ErrInvalidMediaID, mediaID))
	}
	payloadJSON, err := encodePayload(payload)
	if err != nil {
		return PendingOperation{}, newQueueError(opEnqueue, "invalid_payload", err)
	}

	var stored OperationRecord
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSequence int64
		if err := tx.Model(&OperationRecord{}).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSequence).Error; err != nil {
			q.logError(opEnqueue, "sequence_select_failed", err)
			return newQueueError(opEnqueue, "sequence_select_failed", err)
		}

		isNew := false
		var existing OperationRecord
		err := tx.Where("target_media_id = ?", mediaID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			operationID, err := q.idProvider.NewID()
			if err != nil {
				q.logError(opEnqueue, "id_generation_failed", err, zap.Int64("media_id", mediaID))
				return newQueueError(opEnqueue, "id_generation_failed", err)
			}
			stored = OperationRecord{
				ID:            operationID,
				TargetMediaID: mediaID,
				Revision:      1,
			}
			isNew = true
		case err != nil:
			q.logError(opEnqueue, "operation_select_failed", err, zap.Int64("media_id", mediaID))
			return newQueueError(opEnqueue, "operation_select_failed", err)
		default:
			stored = existing
			stored.Revision = existing.Revision + 1
		}

		stored.Kind = payload.Kind()
		stored.PayloadJSON = payloadJSON
		stored.CreatedAtSeconds = q.clock().UTC().Unix()
		stored.Sequence = maxSequence + 1
		stored.RetryCount = 0
		write := tx.Save
		if isNew {
			write = tx.Create
		}
		if err := write(&stored).Error; err != nil {
			q.logError(opEnqueue, "operation_save_failed", err, zap.Int64("media_id", mediaID))
			return newQueueError(opEnqueue, "operation_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return PendingOperation{}, txErr
	}

	return PendingOperation{
		ID:               stored.ID,
		Kind:             stored.Kind,
		TargetMediaID:    stored.TargetMediaID,
		Payload:          payload,
		CreatedAtSeconds: stored.CreatedAtSeconds,
		Sequence:         stored.Sequence,
		Revision:         stored.Revision,
		RetryCount:       stored.RetryCount,
	}, nil
}

// Drain returns every queued operation in FIFO order without removing any.
// Rows whose payload cannot be decoded are logged and skipped.
func (q *Queue) Drain(ctx context.Context) ([]PendingOperation, error) {
	var records []OperationRecord
	if err := q.db.WithContext(ctx).
		Order("sequence ASC").
		Order("created_at_s ASC").
		Find(&records).Error; err != nil {
		q.logError(opDrain, "query_failed", err)
		return nil, newQueueError(opDrain, "query_failed", err)
	}

	operations := make([]PendingOperation, 0, len(records))
	for _, record := range records {
		operation, err := toPendingOperation(record)
		if err != nil {
			q.logError(opDecodeRecord, "payload_decode_failed", err,
				zap.String("operation_id", record.ID),
				zap.Int64("media_id", record.TargetMediaID))
			continue
		}
		operations = append(operations, operation)
	}
	return operations, nil
}

// MarkSucceeded removes the operation unless a newer intent replaced it in the
// meantime. It reports whether the row was removed.
func (q *Queue) MarkSucceeded(ctx context.Context, operation PendingOperation) (bool, error) {
	result := q.db.WithContext(ctx).
		Where("id = ? AND revision = ?", operation.ID, operation.Revision).
		Delete(&OperationRecord{})
	if result.Error != nil {
		q.logError(opMarkSucceed, "delete_failed", result.Error, zap.String("operation_id", operation.ID))
		return false, newQueueError(opMarkSucceed, "delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed increments the retry count and drops the operation once it
// reaches the retry ceiling.
func (q *Queue) MarkFailed(ctx context.Context, operation PendingOperation) (FailureOutcome, error) {
	var outcome FailureOutcome
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record OperationRecord
		err := tx.Where("id = ?", operation.ID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome.Superseded = true
			return nil
		} else if err != nil {
			q.logError(opMarkFailed, "operation_select_failed", err, zap.String("operation_id", operation.ID))
			return newQueueError(opMarkFailed, "operation_select_failed", err)
		}
		if record.Revision != operation.Revision {
			outcome.Superseded = true
			outcome.RetryCount = record.RetryCount
			return nil
		}

		record.RetryCount++
		outcome.RetryCount = record.RetryCount
		if record.RetryCount >= q.maxRetries {
			if err := tx.Delete(&OperationRecord{}, "id = ?", record.ID).Error; err != nil {
				q.logError(opMarkFailed, "delete_failed", err, zap.String("operation_id", record.ID))
				return newQueueError(opMarkFailed, "delete_failed", err)
			}
			outcome.GaveUp = true
			return nil
		}
		if err := tx.Model(&OperationRecord{}).
			Where("id = ?", record.ID).
			Update("retry_count", record.RetryCount).Error; err != nil {
			q.logError(opMarkFailed, "update_failed", err, zap.String("operation_id", record.ID))
			return newQueueError(opMarkFailed, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return FailureOutcome{}, txErr
	}
	return outcome, nil
}

// Find returns the operation queued for the media id, if any.
func (q *Queue) Find(ctx context.Context, mediaID int64) (PendingOperation, bool, error) {
	var record OperationRecord
	err := q.db.WithContext(ctx).Where("target_media_id = ?", mediaID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingOperation{}, false, nil
	} else if err != nil {
		q.logError(opFind, "query_failed", err, zap.Int64("media_id", mediaID))
		return PendingOperation{}, false, newQueueError(opFind, "query_failed", err)
	}
	operation, err := toPendingOperation(record)
	if err != nil {
		return PendingOperation{}, false, newQueueError(opFind, "payload_decode_failed", err)
	}
	return operation, true, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&OperationRecord{}).Count(&count).Error; err != nil {
		q.logError(opLen, "query_failed", err)
		return 0, newQueueError(opLen, "query_failed", err)
	}
	return count, nil
}

func toPendingOperation(record OperationRecord) (PendingOperation, error) {
	payload, err := decodePayload(record.PayloadJSON)
	if err != nil {
		return PendingOperation{}, err
	}
	if payload.Kind() != record.Kind {
		return PendingOperation{}, fmt.Errorf("%w: kind %q does not match payload %q", ErrInvalidPayload, record.Kind, payload.Kind())
	}
	return PendingOperation{
		ID:               record.ID,
		Kind:             record.Kind,
		TargetMediaID:    record.TargetMediaID,
		Payload:          payload,
		CreatedAtSeconds: record.CreatedAtSeconds,
		Sequence:         record.Sequence,
		Revision:         record.Revision,
		RetryCount:       record.RetryCount,
	}, nil
}

func (q *Queue) loggerOrDefault() *zap.Logger {
	if q == nil || q.logger == nil {
		return noOpLogger
	}
	return q.logger
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.loggerOrDefault().Error("pending queue error", attrs...)
}
