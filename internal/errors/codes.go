package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Hardware errors
	ErrSysfsRead        ErrorCode = "sysfs_read_failed"
	ErrSysfsWrite       ErrorCode = "sysfs_write_failed"
	ErrMsrRead          ErrorCode = "msr_read_failed"
	ErrMsrWrite         ErrorCode = "msr_write_failed"
	ErrNVML             ErrorCode = "nvml_failed"
	ErrHardwareNotFound ErrorCode = "hardware_not_found"
	ErrReadHardware     ErrorCode = "read_hardware_failed"
	ErrWriteHardware    ErrorCode = "write_hardware_failed"
	ErrApplyProfile     ErrorCode = "apply_profile_failed"

	// Profile document errors
	ErrProfileRead    ErrorCode = "profile_read_failed"
	ErrProfileDecode  ErrorCode = "profile_decode_failed"
	ErrProfileInvalid ErrorCode = "profile_invalid"
	ErrProfilePath    ErrorCode = "profile_path_invalid"

	// Lease errors
	ErrHoldNotAllowed ErrorCode = "hold_not_allowed"

	// Bus and protocol errors
	ErrBus             ErrorCode = "bus_failed"
	ErrBatteryQuery    ErrorCode = "battery_query_failed"
	ErrInvalidRequest  ErrorCode = "invalid_request"
	ErrUnknownRequest  ErrorCode = "unknown_request"
	ErrDaemonResponded ErrorCode = "daemon_error"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"

	// History errors
	ErrInitHistory   ErrorCode = "init_history_failed"
	ErrRecordHistory ErrorCode = "record_history_failed"
	ErrCloseHistory  ErrorCode = "close_history_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrNotImplemented:   "Operation not implemented",
	ErrUnavailable:      "Service unavailable",
	ErrAlreadyRunning:   "Another instance is already running",
	ErrInvalidConfig:    "Invalid configuration",
	ErrMissingConfig:    "Missing configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read config file",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrSysfsRead:        "Failed to read sysfs attribute",
	ErrSysfsWrite:       "Failed to write sysfs attribute",
	ErrMsrRead:          "Failed to read msr",
	ErrMsrWrite:         "Failed to write msr",
	ErrNVML:             "NVML operation failed",
	ErrHardwareNotFound: "Hardware not found",
	ErrReadHardware:     "Failed to read current hardware state",
	ErrWriteHardware:    "Failed to write hardware state",
	ErrApplyProfile:     "Failed to apply profile",
	ErrProfileRead:      "Failed to read profile file",
	ErrProfileDecode:    "Failed to decode profile",
	ErrProfileInvalid:   "Invalid profile",
	ErrProfilePath:      "Profile path outside profile directory",
	ErrHoldNotAllowed:   "Profile not allowed to be held",
	ErrBus:              "Bus operation failed",
	ErrBatteryQuery:     "Failed to query battery state",
	ErrInvalidRequest:   "Invalid request",
	ErrUnknownRequest:   "Unknown request",
	ErrDaemonResponded:  "Error from daemon",
	ErrOperationFailed:  "Operation failed",
	ErrTimeout:          "Operation timed out",
	ErrInvalidOperation: "Invalid operation",
	ErrInitHistory:      "Failed to initialize history",
	ErrRecordHistory:    "Failed to record history",
	ErrCloseHistory:     "Failed to close history",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
