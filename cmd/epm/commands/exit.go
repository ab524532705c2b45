package commands

import (
	"context"
	"errors"

	"github.com/openfroyo/epm/pkg/control"
	"github.com/openfroyo/epm/pkg/engine"
)

// Exit codes reported by the epm binary.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitInvalid       = 2
	ExitUnsatisfiable = 3
	ExitDenied        = 4
	ExitAcquisition   = 5
	ExitBackend       = 6
	ExitLocked        = 7
	ExitInterrupted   = 130
)

// ExitCode maps a command error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	if errors.Is(err, control.ErrDenied) {
		return ExitDenied
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return ExitFailure
	}
	switch ee.Class {
	case engine.ErrorClassExpected, engine.ErrorClassPermanent:
		return ExitInvalid
	case engine.ErrorClassUnsatisfiable:
		return ExitUnsatisfiable
	case engine.ErrorClassAcquisition:
		return ExitAcquisition
	case engine.ErrorClassBackend:
		return ExitBackend
	case engine.ErrorClassLock:
		return ExitLocked
	default:
		return ExitFailure
	}
}

// ErrorChain returns the diagnostic chain of an unsatisfiable error.
func ErrorChain(err error) []string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.Chain()
	}
	return nil
}
