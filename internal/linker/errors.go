package linker

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateModuleName    = errors.New("duplicate module name")
	ErrMissingOrMultipleEntry = errors.New("missing or multiple entry modules")
	ErrHashMismatch           = errors.New("hash mismatch")
	ErrUnresolvedImport       = errors.New("unresolved import")
	ErrImportCycle            = errors.New("library import cycle")
	ErrReservedName           = errors.New("module name reserved by the host")
	ErrCompile                = errors.New("compile failed")
	ErrInstantiate            = errors.New("instantiation failed")
	ErrSource                 = errors.New("module source unreadable")

	// ErrUnknownImport is raised inside the guest when it calls a stub
	// standing in for an unresolved import.
	ErrUnknownImport = errors.New("call to unknown import")
)

// Error is a load or link failure. It matches its Kind sentinel and its
// cause with errors.Is.
type Error struct {
	Kind   error
	Module string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Module != "" {
		msg = fmt.Sprintf("module %q: %s", e.Module, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, module, detail string, cause error) *Error {
	return &Error{Kind: kind, Module: module, Detail: detail, Cause: cause}
}
