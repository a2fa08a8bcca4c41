package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound indicates that no queued record carries the local identifier.
	ErrRecordNotFound = errors.New("queue: record not found")
	// ErrInvalidTransition indicates that the record is not in a status the operation accepts.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrNotCompleted indicates a delete attempt on a record that has not been acknowledged.
	ErrNotCompleted = errors.New("queue: record is not completed")
	// ErrInvalidServerID indicates that a server acknowledgement carried no usable identifier.
	ErrInvalidServerID = errors.New("queue: invalid server id")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew           = "queue.store.new"
	opAppend             = "queue.append"
	opListPending        = "queue.list_pending"
	opListDead           = "queue.list_dead"
	opGet                = "queue.get"
	opMarkSyncing        = "queue.mark_syncing"
	opMarkCompleted      = "queue.mark_completed"
	opMarkFailed         = "queue.mark_failed"
	opMarkDead           = "queue.mark_dead"
	opDeleteCompleted    = "queue.delete_completed"
	opDeleteAcknowledged = "queue.delete_acknowledged"
	opRelease            = "queue.release"
	opRecoverInterrupted = "queue.recover_interrupted"
	opRequeue            = "queue.requeue"
	opStats              = "queue.stats"

	fieldLocalID       = "local_id"
	fieldSyncStatus    = "sync_status"
	queryLocalID       = fieldLocalID + " = ?"
	queryLocalIDStatus = fieldLocalID + " = ? AND " + fieldSyncStatus + " IN ?"
	queryStatusIn      = fieldSyncStatus + " IN ?"
	orderSyncOrdering  = "created_at_ns ASC, local_id ASC"

	reasonMissingDatabase   = "missing_database"
	reasonInvalidDetails    = "invalid_details"
	reasonIDGenerationFail  = "id_generation_failed"
	reasonInsertFailed      = "insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonUpdateFailed      = "update_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonNotFound          = "not_found"
	reasonInvalidTransition = "invalid_transition"
	reasonNotCompleted      = "not_completed"
	reasonInvalidServerID   = "invalid_server_id"

	maxErrorMessageLength = 1000
)

var (
	outstandingStatuses = []string{string(StatusPending), string(StatusFailed)}
	inFlightStatuses    = []string{string(StatusPending), string(StatusSyncing), string(StatusFailed)}
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the local durable queue.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider calls.IDProvider
	Logger     *zap.Logger
}

// Store is the crash-durable outbox of call records waiting for server acknowledgement.
// The producer only appends; every status transition belongs to the sync orchestrator.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider calls.IDProvider
	logger     *zap.Logger
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Append durably inserts a new pending record for the call.
func (store *Store) Append(ctx context.Context, details calls.Details) (OfflineCallRecord, error) {
	if store.db == nil {
		store.logError(opAppend, reasonMissingDatabase, errMissingDatabase)
		return OfflineCallRecord{}, newServiceError(opAppend, reasonMissingDatabase, errMissingDatabase)
	}
	normalized, err := details.Validate()
	if err != nil {
		return OfflineCallRecord{}, newServiceError(opAppend, reasonInvalidDetails, err)
	}
	idempotencyKey, err := store.idProvider.NewID()
	if err != nil {
		store.logError(opAppend, reasonIDGenerationFail, err)
		return OfflineCallRecord{}, newServiceError(opAppend, reasonIDGenerationFail, err)
	}

	record := OfflineCallRecord{
		IdempotencyKey:  idempotencyKey,
		LeadID:          normalized.LeadID.Int64(),
		UserID:          normalized.UserID.Int64(),
		CallDate:        normalized.CallDate,
		DurationSeconds: normalized.DurationSeconds,
		Outcome:         normalized.Outcome,
		Notes:           normalized.Notes,
		ReminderDate:    normalized.ReminderDate,
		SyncStatus:      StatusPending,
		RetryCount:      0,
		CreatedAtNs:     store.now().UTC().UnixNano(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		store.logError(opAppend, reasonInsertFailed, err,
			zap.Int64("lead_id", record.LeadID),
			zap.Int64("user_id", record.UserID))
		return OfflineCallRecord{}, newServiceError(opAppend, reasonInsertFailed, err)
	}
	return record, nil
}

// ListPending returns a snapshot of pending and failed records, oldest first.
func (store *Store) ListPending(ctx context.Context) ([]OfflineCallRecord, error) {
	return store.listByStatus(ctx, opListPending, outstandingStatuses)
}

// ListDead returns records parked in the terminal dead status, oldest first.
func (store *Store) ListDead(ctx context.Context) ([]OfflineCallRecord, error) {
	return store.listByStatus(ctx, opListDead, []string{string(StatusDead)})
}

// Get loads a single record by local identifier.
func (store *Store) Get(ctx context.Context, localID int64) (OfflineCallRecord, error) {
	if store.db == nil {
		return OfflineCallRecord{}, newServiceError(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	var record OfflineCallRecord
	err := store.db.WithContext(ctx).Where(queryLocalID, localID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OfflineCallRecord{}, newServiceError(opGet, reasonNotFound, ErrRecordNotFound)
	}
	if err != nil {
		store.logError(opGet, reasonQueryFailed, err, zap.Int64(fieldLocalID, localID))
		return OfflineCallRecord{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return record, nil
}

// MarkSyncing moves a pending or failed record into flight.
func (store *Store) MarkSyncing(ctx context.Context, localID int64) error {
	attemptAt := store.now().UTC().UnixNano()
	return store.transition(ctx, opMarkSyncing, localID,
		[]SyncStatus{StatusPending, StatusFailed},
		map[string]any{
			fieldSyncStatus:      StatusSyncing,
			"last_attempt_at_ns": attemptAt,
		})
}

// MarkCompleted records the server acknowledgement and its identifier in one update.
func (store *Store) MarkCompleted(ctx context.Context, localID int64, serverID int64) error {
	if serverID <= 0 {
		return newServiceError(opMarkCompleted, reasonInvalidServerID, fmt.Errorf("%w: %d", ErrInvalidServerID, serverID))
	}
	return store.transition(ctx, opMarkCompleted, localID,
		[]SyncStatus{StatusSyncing},
		map[string]any{
			fieldSyncStatus:      StatusCompleted,
			"server_id":          serverID,
			"error_message":      nil,
			"next_attempt_at_ns": nil,
		})
}

// MarkFailed returns an in-flight record to the retry pool and counts the attempt.
// A zero nextAttemptAt makes the record due on the next run.
func (store *Store) MarkFailed(ctx context.Context, localID int64, message string, nextAttemptAt time.Time) error {
	var nextAttempt any
	if !nextAttemptAt.IsZero() {
		nextAttempt = nextAttemptAt.UTC().UnixNano()
	}
	return store.transition(ctx, opMarkFailed, localID,
		[]SyncStatus{StatusSyncing},
		map[string]any{
			fieldSyncStatus:      StatusFailed,
			"retry_count":        gorm.Expr("retry_count + ?", 1),
			"error_message":      truncateMessage(message),
			"next_attempt_at_ns": nextAttempt,
		})
}

// MarkDead parks an in-flight record that must not be retried automatically.
func (store *Store) MarkDead(ctx context.Context, localID int64, message string) error {
	return store.transition(ctx, opMarkDead, localID,
		[]SyncStatus{StatusSyncing},
		map[string]any{
			fieldSyncStatus:      StatusDead,
			"retry_count":        gorm.Expr("retry_count + ?", 1),
			"error_message":      truncateMessage(message),
			"next_attempt_at_ns": nil,
		})
}

// Requeue returns a dead record to the pending pool. The retry count is preserved.
func (store *Store) Requeue(ctx context.Context, localID int64) error {
	return store.transition(ctx, opRequeue, localID,
		[]SyncStatus{StatusDead},
		map[string]any{
			fieldSyncStatus:      StatusPending,
			"next_attempt_at_ns": nil,
		})
}

// Release returns an in-flight record to the pending pool without counting an attempt.
// It is used when the outcome of a delivery could not be recorded.
func (store *Store) Release(ctx context.Context, localID int64) error {
	return store.transition(ctx, opRelease, localID,
		[]SyncStatus{StatusSyncing},
		map[string]any{
			fieldSyncStatus:      StatusPending,
			"next_attempt_at_ns": nil,
		})
}

// DeleteAcknowledged removes every completed record that carries a server id and
// returns how many were deleted.
func (store *Store) DeleteAcknowledged(ctx context.Context) (int64, error) {
	if store.db == nil {
		return 0, newServiceError(opDeleteAcknowledged, reasonMissingDatabase, errMissingDatabase)
	}
	result := store.db.WithContext(ctx).
		Where(fieldSyncStatus+" = ? AND server_id IS NOT NULL", string(StatusCompleted)).
		Delete(&OfflineCallRecord{})
	if result.Error != nil {
		store.logError(opDeleteAcknowledged, reasonDeleteFailed, result.Error)
		return 0, newServiceError(opDeleteAcknowledged, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteCompleted removes an acknowledged record. Deleting an absent record is a no-op;
// deleting a record in any other status is refused with ErrNotCompleted.
func (store *Store) DeleteCompleted(ctx context.Context, localID int64) error {
	if store.db == nil {
		return newServiceError(opDeleteCompleted, reasonMissingDatabase, errMissingDatabase)
	}
	result := store.db.WithContext(ctx).
		Where(queryLocalIDStatus, localID, []string{string(StatusCompleted)}).
		Delete(&OfflineCallRecord{})
	if result.Error != nil {
		store.logError(opDeleteCompleted, reasonDeleteFailed, result.Error, zap.Int64(fieldLocalID, localID))
		return newServiceError(opDeleteCompleted, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	status, found, err := store.currentStatus(ctx, localID)
	if err != nil {
		store.logError(opDeleteCompleted, reasonQueryFailed, err, zap.Int64(fieldLocalID, localID))
		return newServiceError(opDeleteCompleted, reasonQueryFailed, err)
	}
	if !found {
		return nil
	}
	store.loggerOrDefault().Warn("refusing to delete unacknowledged call record",
		zap.String("operation", opDeleteCompleted),
		zap.Int64(fieldLocalID, localID),
		zap.String(fieldSyncStatus, string(status)))
	return newServiceError(opDeleteCompleted, reasonNotCompleted, fmt.Errorf("%w: %s", ErrNotCompleted, status))
}

// RecoverInterrupted returns records stranded in syncing by a crash to the pending pool.
func (store *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	if store.db == nil {
		return 0, newServiceError(opRecoverInterrupted, reasonMissingDatabase, errMissingDatabase)
	}
	result := store.db.WithContext(ctx).
		Model(&OfflineCallRecord{}).
		Where(queryStatusIn, []string{string(StatusSyncing)}).
		Update(fieldSyncStatus, StatusPending)
	if result.Error != nil {
		store.logError(opRecoverInterrupted, reasonUpdateFailed, result.Error)
		return 0, newServiceError(opRecoverInterrupted, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		store.loggerOrDefault().Warn("recovered interrupted call records", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Stats counts records per status and reports the oldest undelivered record.
func (store *Store) Stats(ctx context.Context) (Stats, error) {
	if store.db == nil {
		return Stats{}, newServiceError(opStats, reasonMissingDatabase, errMissingDatabase)
	}

	type statusCount struct {
		SyncStatus SyncStatus
		Total      int64
	}
	var counts []statusCount
	if err := store.db.WithContext(ctx).
		Model(&OfflineCallRecord{}).
		Select("sync_status, COUNT(*) AS total").
		Group(fieldSyncStatus).
		Scan(&counts).Error; err != nil {
		store.logError(opStats, reasonQueryFailed, err)
		return Stats{}, newServiceError(opStats, reasonQueryFailed, err)
	}

	stats := Stats{}
	for _, count := range counts {
		switch count.SyncStatus {
		case StatusPending:
			stats.Pending = count.Total
		case StatusSyncing:
			stats.Syncing = count.Total
		case StatusFailed:
			stats.Failed = count.Total
		case StatusDead:
			stats.Dead = count.Total
		case StatusCompleted:
			stats.Completed = count.Total
		}
	}

	var oldest sql.NullInt64
	if err := store.db.WithContext(ctx).
		Model(&OfflineCallRecord{}).
		Where(queryStatusIn, inFlightStatuses).
		Select("MIN(created_at_ns)").
		Scan(&oldest).Error; err != nil {
		store.logError(opStats, reasonQueryFailed, err)
		return Stats{}, newServiceError(opStats, reasonQueryFailed, err)
	}
	if oldest.Valid {
		createdAt := time.Unix(0, oldest.Int64).UTC()
		stats.OldestOutstanding = &createdAt
	}
	return stats, nil
}

func (store *Store) listByStatus(ctx context.Context, operation string, statuses []string) ([]OfflineCallRecord, error) {
	if store.db == nil {
		store.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	var records []OfflineCallRecord
	if err := store.db.WithContext(ctx).
		Where(queryStatusIn, statuses).
		Order(orderSyncOrdering).
		Find(&records).Error; err != nil {
		store.logError(operation, reasonQueryFailed, err)
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}
	return records, nil
}

func (store *Store) transition(ctx context.Context, operation string, localID int64, from []SyncStatus, updates map[string]any) error {
	if store.db == nil {
		store.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}

	result := store.db.WithContext(ctx).
		Model(&OfflineCallRecord{}).
		Where(queryLocalIDStatus, localID, allowed).
		Updates(updates)
	if result.Error != nil {
		store.logError(operation, reasonUpdateFailed, result.Error, zap.Int64(fieldLocalID, localID))
		return newServiceError(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	status, found, err := store.currentStatus(ctx, localID)
	if err != nil {
		store.logError(operation, reasonQueryFailed, err, zap.Int64(fieldLocalID, localID))
		return newServiceError(operation, reasonQueryFailed, err)
	}
	if !found {
		return newServiceError(operation, reasonNotFound, ErrRecordNotFound)
	}
	return newServiceError(operation, reasonInvalidTransition, fmt.Errorf("%w: from %s", ErrInvalidTransition, status))
}

func (store *Store) currentStatus(ctx context.Context, localID int64) (SyncStatus, bool, error) {
	var existing OfflineCallRecord
	err := store.db.WithContext(ctx).
		Select(fieldLocalID, fieldSyncStatus).
		Where(queryLocalID, localID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing.SyncStatus, true, nil
}

// truncateMessage caps the message at maxErrorMessageLength bytes on a rune boundary.
func truncateMessage(message string) string {
	if len(message) <= maxErrorMessageLength {
		return message
	}
	cut := maxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("call queue error", attrs...)
}

func (store *Store) now() time.Time {
	if store.clock == nil {
		return time.Now()
	}
	return store.clock()
}
