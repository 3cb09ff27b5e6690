package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrEngine is matched by every EngineError. A recognizer that sees it
	// stops transcribing for the rest of the session.
	ErrEngine = errors.New("recognition engine failure")

	// ErrNotActive is returned by Finish for a question that is not the
	// current utterance.
	ErrNotActive = errors.New("no active utterance for question")

	// ErrDisabled is returned once the engine has failed.
	ErrDisabled = errors.New("recognition disabled")
)

// EngineError wraps a failure of the engine itself, as opposed to a timeout
// or an empty utterance: a missing binary, an unreadable model, a crash or
// an unreachable server.
type EngineError struct {
	Engine string
	Reason string
	Cause  error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Engine, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Engine, e.Reason)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}
