package history

import "codeberg.org/mutker/powerd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("history_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("history_schema_migration_failed")

	// Storage Errors
	ErrStorageInit   = errors.ErrInitHistory
	ErrStorageQuery  = errors.ErrorCode("history_query_failed")
	ErrStorageRecord = errors.ErrRecordHistory
	ErrStorageClose  = errors.ErrCloseHistory

	// Operation Errors
	ErrInvalidTransition = errors.ErrorCode("history_invalid_transition")
	ErrOperationTimeout  = errors.ErrTimeout
)
