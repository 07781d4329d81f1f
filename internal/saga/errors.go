package saga

import "fmt"

// ValidationError rejects a structurally invalid payload before any step
// runs; no compensation is ever needed for it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// NotFoundError reports an unknown saga ID.
type NotFoundError struct {
	SagaID string
}

func (e *NotFoundError) Error() string { return "saga not found: " + e.SagaID }

// IrrevocableStateError rejects cancellation or compensation at or past
// the pivot step.
type IrrevocableStateError struct {
	SagaID string
	Step   string
}

func (e *IrrevocableStateError) Error() string {
	return fmt.Sprintf("saga %s is past the pivot (step %s); forward-only", e.SagaID, e.Step)
}

// StepExecutionFailure wraps the error a forward action returned at
// runtime. Pre-pivot it triggers compensation; post-pivot it is terminal.
type StepExecutionFailure struct {
	Step string
	Err  error
}

func (e *StepExecutionFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepExecutionFailure) Unwrap() error { return e.Err }

// ConfigurationError reports a malformed workflow definition, fatal at
// startup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "saga configuration: " + e.Reason }
