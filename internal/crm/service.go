package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidCall indicates that a create-call payload failed validation.
	ErrInvalidCall = errors.New("crm: invalid call")
	// ErrCallNotFound indicates that a referenced call does not exist for the user.
	ErrCallNotFound = errors.New("crm: call not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew  = "crm.service.new"
	opCreateCall  = "crm.create_call"
	opGetCall     = "crm.get_call"
	fieldUserID   = "user_id"
	fieldCallID   = "call_id"
	queryUserCall = "user_id = ? AND id = ?"
	queryUserKey  = "user_id = ? AND idempotency_key = ?"

	reasonMissingDatabase = "missing_database"
	reasonInvalidCall     = "invalid_call"
	reasonInsertFailed    = "insert_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonNotFound        = "not_found"
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

// ServiceConfig describes the dependencies of the call service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Cache    IdempotencyCache
	Logger   *zap.Logger
}

// Service persists calls and converges repeated deliveries onto one row.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	cache  IdempotencyCache
	logger *zap.Logger
}

// NewService constructs the call service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		cache:  cfg.Cache,
		logger: logger,
	}, nil
}

// CreateCall stores the call unless the user already created one with the same idempotency key,
// in which case the original call is returned with Duplicate set.
func (s *Service) CreateCall(ctx context.Context, payload calls.CreateCallPayload) (CreateOutcome, error) {
	if s.db == nil {
		s.logError(opCreateCall, reasonMissingDatabase, errMissingDatabase)
		return CreateOutcome{}, newServiceError(opCreateCall, reasonMissingDatabase, errMissingDatabase)
	}

	details, err := payload.Details().Validate()
	if err != nil {
		return CreateOutcome{}, newServiceError(opCreateCall, reasonInvalidCall, fmt.Errorf("%w: %v", ErrInvalidCall, err))
	}
	idempotencyKey, err := calls.ValidateIdempotencyKey(payload.IdempotencyKey)
	if err != nil {
		return CreateOutcome{}, newServiceError(opCreateCall, reasonInvalidCall, fmt.Errorf("%w: %v", ErrInvalidCall, err))
	}
	userID := details.UserID.Int64()

	if idempotencyKey != "" {
		if existing, found := s.cachedCall(ctx, userID, idempotencyKey); found {
			return CreateOutcome{Call: existing, Duplicate: true}, nil
		}
	}

	call := Call{
		UserLeadID:      details.LeadID.Int64(),
		UserID:          userID,
		CallDate:        details.CallDate,
		DurationSeconds: details.DurationSeconds,
		Outcome:         details.Outcome,
		Notes:           details.Notes,
		ReminderDate:    details.ReminderDate,
		CreatedAtNs:     s.clock().UTC().UnixNano(),
	}
	if idempotencyKey != "" {
		call.IdempotencyKey = &idempotencyKey
	}

	createResult := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&call)
	if createResult.Error != nil {
		s.logError(opCreateCall, reasonInsertFailed, createResult.Error, zap.Int64(fieldUserID, userID))
		return CreateOutcome{}, newServiceError(opCreateCall, reasonInsertFailed, createResult.Error)
	}

	duplicate := createResult.RowsAffected == 0
	if duplicate {
		var existing Call
		err := s.db.WithContext(ctx).Where(queryUserKey, userID, idempotencyKey).Take(&existing).Error
		if err != nil {
			s.logError(opCreateCall, reasonLookupFailed, err, zap.Int64(fieldUserID, userID))
			return CreateOutcome{}, newServiceError(opCreateCall, reasonLookupFailed, err)
		}
		call = existing
		s.loggerOrDefault().Info("duplicate call delivery converged",
			zap.Int64(fieldUserID, userID),
			zap.Int64(fieldCallID, call.ID))
	}

	if idempotencyKey != "" {
		s.rememberCall(ctx, userID, idempotencyKey, call.ID)
	}
	return CreateOutcome{Call: call, Duplicate: duplicate}, nil
}

// GetCall loads a call owned by the user.
func (s *Service) GetCall(ctx context.Context, userID int64, callID int64) (Call, error) {
	if s.db == nil {
		s.logError(opGetCall, reasonMissingDatabase, errMissingDatabase)
		return Call{}, newServiceError(opGetCall, reasonMissingDatabase, errMissingDatabase)
	}
	var call Call
	err := s.db.WithContext(ctx).Where(queryUserCall, userID, callID).Take(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Call{}, newServiceError(opGetCall, reasonNotFound, ErrCallNotFound)
	}
	if err != nil {
		s.logError(opGetCall, reasonLookupFailed, err, zap.Int64(fieldUserID, userID), zap.Int64(fieldCallID, callID))
		return Call{}, newServiceError(opGetCall, reasonLookupFailed, err)
	}
	return call, nil
}

func (s *Service) cachedCall(ctx context.Context, userID int64, idempotencyKey string) (Call, bool) {
	if s.cache == nil {
		return Call{}, false
	}
	callID, found, err := s.cache.Lookup(ctx, userID, idempotencyKey)
	if err != nil {
		s.loggerOrDefault().Warn("idempotency cache lookup failed", zap.Error(err), zap.Int64(fieldUserID, userID))
		return Call{}, false
	}
	if !found {
		return Call{}, false
	}
	call, err := s.GetCall(ctx, userID, callID)
	if err != nil {
		s.loggerOrDefault().Warn("idempotency cache entry is stale", zap.Error(err), zap.Int64(fieldCallID, callID))
		return Call{}, false
	}
	return call, true
}

func (s *Service) rememberCall(ctx context.Context, userID int64, idempotencyKey string, callID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remember(ctx, userID, idempotencyKey, callID); err != nil {
		s.loggerOrDefault().Warn("idempotency cache write failed", zap.Error(err), zap.Int64(fieldCallID, callID))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("crm service error", attrs...)
}
