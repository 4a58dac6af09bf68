package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/VikingOwl91/capsule/internal/governor"
	"github.com/VikingOwl91/capsule/internal/linker"
	"github.com/tetratelabs/wazero/sys"
)

// State is a supervisor lifecycle state.
type State int32

const (
	Idle State = iota
	Linking
	Governed
	Running
	Completed
	Trapped
	FuelExhausted
	TimedOut
	ConfigError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Linking:
		return "linking"
	case Governed:
		return "governed"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Trapped:
		return "trapped"
	case FuelExhausted:
		return "fuel_exhausted"
	case TimedOut:
		return "timed_out"
	case ConfigError:
		return "config_error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s is final.
func (s State) Terminal() bool { return s >= Completed }

// Process exit codes.
const (
	ExitSuccess                  = 0
	ExitFuelExhausted            = 1
	ExitCallStackExhausted       = 2
	ExitMemoryOutOfBounds        = 3
	ExitMisalignedMemory         = 4
	ExitTableOutOfBounds         = 5
	// wazero reports a null table element as "invalid table access", so
	// such traps exit with ExitTableOutOfBounds and 6 is never produced.
	ExitUninitializedElement     = 6
	ExitIndirectCallTypeMismatch = 7
	ExitIntegerOverflow          = 8
	ExitDivideByZero             = 9
	ExitInvalidConversion        = 10
	ExitUnreachable              = 11
	ExitInterrupt                = 12
	ExitDegenerateAdapter        = 13
	ExitTimeout                  = 15
	ExitConfigError              = 128
	ExitUnknown                  = 255
)

// Outcome is the single result of a run.
type Outcome struct {
	State    State
	ExitCode int
	// Cause is the error behind a non-success outcome.
	Cause error
	// Detail describes the cause for reports.
	Detail string
}

func (o *Outcome) String() string {
	if o.Detail == "" {
		return fmt.Sprintf("%s (exit %d)", o.State, o.ExitCode)
	}
	return fmt.Sprintf("%s (exit %d): %s", o.State, o.ExitCode, o.Detail)
}

func configError(err error) *Outcome {
	return &Outcome{State: ConfigError, ExitCode: ExitConfigError, Cause: err, Detail: err.Error()}
}

func trapped(code int, err error) *Outcome {
	return &Outcome{State: Trapped, ExitCode: code, Cause: err, Detail: err.Error()}
}

// trapCodes maps engine trap messages to exit codes. The first match wins.
var trapCodes = []struct {
	message string
	code    int
}{
	{"stack overflow", ExitCallStackExhausted},
	{"call stack exhausted", ExitCallStackExhausted},
	{"out of bounds memory access", ExitMemoryOutOfBounds},
	{"unaligned atomic", ExitMisalignedMemory},
	{"misaligned memory access", ExitMisalignedMemory},
	{"uninitialized element", ExitUninitializedElement},
	{"invalid table access", ExitTableOutOfBounds},
	{"indirect call type mismatch", ExitIndirectCallTypeMismatch},
	{"integer overflow", ExitIntegerOverflow},
	{"integer divide by zero", ExitDivideByZero},
	{"invalid conversion to integer", ExitInvalidConversion},
	{"degenerate component adapter", ExitDegenerateAdapter},
	{"unreachable", ExitUnreachable},
}

// classify turns the error returned by a governed run into its outcome.
// interrupted reports whether the timeout fired.
func classify(err error, interrupted bool) *Outcome {
	if err == nil {
		return &Outcome{State: Completed, ExitCode: ExitSuccess}
	}
	if errors.Is(err, governor.ErrFuelExhausted) {
		return &Outcome{State: FuelExhausted, ExitCode: ExitFuelExhausted, Cause: err, Detail: err.Error()}
	}
	if errors.Is(err, governor.ErrTimedOut) {
		return &Outcome{State: TimedOut, ExitCode: ExitTimeout, Cause: err, Detail: err.Error()}
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			if interrupted {
				return &Outcome{State: TimedOut, ExitCode: ExitTimeout, Cause: governor.ErrTimedOut, Detail: governor.ErrTimedOut.Error()}
			}
			return trapped(ExitInterrupt, err)
		}
		return &Outcome{State: Completed, ExitCode: int(exit.ExitCode())}
	}

	if interrupted {
		return &Outcome{State: TimedOut, ExitCode: ExitTimeout, Cause: err, Detail: err.Error()}
	}
	if errors.Is(err, linker.ErrUnknownImport) {
		return trapped(ExitUnreachable, err)
	}

	msg := err.Error()
	for _, tc := range trapCodes {
		if strings.Contains(msg, tc.message) {
			return trapped(tc.code, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return trapped(ExitInterrupt, err)
	}
	return trapped(ExitUnknown, err)
}
