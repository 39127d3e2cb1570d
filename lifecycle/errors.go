package lifecycle

import "fmt"

// EngineConstructionError means the engine could not be built. The manager
// stays Failed and returns the same error to every later Acquire.
type EngineConstructionError struct {
	Err error
}

func (e *EngineConstructionError) Error() string {
	return fmt.Sprintf("lifecycle: engine construction failed: %v", e.Err)
}

func (e *EngineConstructionError) Unwrap() error {
	return e.Err
}

// EngineRuntimeError wraps a failure raised by the engine during generation.
type EngineRuntimeError struct {
	Err error
}

func (e *EngineRuntimeError) Error() string {
	return fmt.Sprintf("lifecycle: generation failed: %v", e.Err)
}

func (e *EngineRuntimeError) Unwrap() error {
	return e.Err
}
