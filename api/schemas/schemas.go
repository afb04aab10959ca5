package schemas

import "encoding/json"

// TaskType identifies the kind of work a task assignment carries.
type TaskType string

const (
	TaskDelist  TaskType = "DELIST"
	TaskCollect TaskType = "COLLECT"
	TaskUpload  TaskType = "UPLOAD"
)

// ErrorCode classifies a terminal task failure. Every failed TaskResult
// carries exactly one of these; no task fault ever escapes as a raw error.
type ErrorCode string

const (
	ErrInvalidTaskData       ErrorCode = "INVALID_TASK_DATA"
	ErrUnsupportedTaskType   ErrorCode = "UNSUPPORTED_TASK_TYPE"
	ErrEmptyProductList      ErrorCode = "EMPTY_PRODUCT_LIST"
	ErrWebsiteAccessFailed   ErrorCode = "WEBSITE_ACCESS_FAILED"
	ErrTaskCancelled         ErrorCode = "TASK_CANCELLED"
	ErrTaskExecutionError    ErrorCode = "TASK_EXECUTION_ERROR"
	ErrFeatureNotImplemented ErrorCode = "FEATURE_NOT_IMPLEMENTED"
)

// Task is one unit of assigned work. It is immutable after receipt;
// TaskID doubles as the concurrency key (at most one live job per id).
type Task struct {
	ID   string          `json:"task_id"`
	Type TaskType        `json:"task_type"`
	Data json.RawMessage `json:"data"`
}

// DelistPayload is the typed payload of a DELIST assignment.
type DelistPayload struct {
	ProductIDs []string `json:"product_ids"`
	BatchSize  int      `json:"batch_size"`
	// DelayBetweenItems is expressed in seconds on the wire.
	DelayBetweenItems float64 `json:"delay_between_items"`
}

// TaskResult is the single terminal outcome of a job.
type TaskResult struct {
	Success        bool      `json:"success"`
	Message        string    `json:"message"`
	ErrorCode      ErrorCode `json:"error_code,omitempty"`
	ProcessedCount int       `json:"processed_count,omitempty"`
	FailedCount    int       `json:"failed_count,omitempty"`
	// ExecutionTime is the wall-clock duration of the job in seconds.
	ExecutionTime  float64  `json:"execution_time,omitempty"`
	ProcessedItems []string `json:"processed_items,omitempty"`
	FailedItems    []string `json:"failed_items,omitempty"`
}

// FailureResult builds a failed TaskResult with the given code and message.
func FailureResult(code ErrorCode, message string) TaskResult {
	return TaskResult{Success: false, Message: message, ErrorCode: code}
}

// CancelledResult is the terminal outcome of a cooperatively cancelled job.
func CancelledResult() TaskResult {
	return FailureResult(ErrTaskCancelled, "task cancelled")
}

// DeviceInfo carries static platform metadata reported at registration.
type DeviceInfo struct {
	Type         string `json:"type"`
	Version      string `json:"version"`
	AppVersion   string `json:"app_version"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
}

// DeviceIdentity identifies this agent to the dispatcher. Supplied once at
// initialization and immutable for the process lifetime.
type DeviceIdentity struct {
	ID   string
	Name string
	Info DeviceInfo
}
