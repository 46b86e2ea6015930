package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldVersion   = "version"

	// Dispatch identity
	FieldRunID  = "run_id"
	FieldJobKey = "job_key"
	FieldAgent  = "agent"
	FieldMode   = "mode"
	FieldStatus = "status"

	// Trigger
	FieldEvent      = "event"
	FieldAction     = "action"
	FieldRepo       = "repo"
	FieldNumber     = "number"
	FieldDeliveryID = "delivery_id"

	// LLM accounting
	FieldModel      = "model"
	FieldTokensIn   = "tokens_in"
	FieldTokensOut  = "tokens_out"
	FieldCostUSD    = "cost_usd"
	FieldAttempt    = "attempt"
	FieldWaitMillis = "wait_ms"
)
