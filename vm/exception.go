package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error status and kinds
// ---------------------------------------------------------------------------

// Status is the outcome of a protected operation.
type Status uint8

const (
	StatusOK Status = iota
	StatusYield
	ErrRun
	ErrMem
	ErrErr
)

var statusNames = [...]string{
	StatusOK:    "ok",
	StatusYield: "yield",
	ErrRun:      "runtime error",
	ErrMem:      "memory error",
	ErrErr:      "error in error handling",
}

func (s Status) String() string { return statusNames[s] }

// ErrorKind classifies where an error came from.
type ErrorKind uint8

const (
	// KindRuntime covers type errors, arithmetic on bad operands, and error()
	// calls made by programs.
	KindRuntime ErrorKind = iota
	// KindResource covers stack overflow, call depth and memory exhaustion.
	KindResource
	// KindProtocol covers misuse of coroutines.
	KindProtocol
	// KindHost covers errors returned by Go functions.
	KindHost
)

var kindErrorNames = [...]string{
	KindRuntime:  "runtime",
	KindResource: "resource",
	KindProtocol: "protocol",
	KindHost:     "host",
}

func (k ErrorKind) String() string { return kindErrorNames[k] }

// ---------------------------------------------------------------------------
// Error
// ---------------------------------------------------------------------------

// Error is a raised error. Value is the error object programs see (usually a
// string carrying "source:line:" context); Message is its text captured at
// raise time so the Error stays readable after Value is collected.
//
// Errors travel as Go panics with an *Error payload and are recovered only
// at protected-call boundaries.
type Error struct {
	Status    Status
	Kind      ErrorKind
	Value     Value
	Message   string
	Traceback string

	// Cause is the Go error returned by a host function, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Traceback != "" {
		return e.Message + "\n" + e.Traceback
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrCollected is the sentinel text of stale-handle panics.
var ErrCollected = errors.New("use of collected object")

// errYield is returned by Coroutine.Yield and recognized by the call
// machinery; it never reaches user code.
var errYield = errors.New("vm: yield")

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// describe renders an error value as message text.
func (h *Heap) describe(v Value) string {
	switch {
	case v.IsString():
		return h.stringOf(v).s
	case v.IsNumber():
		return formatNumber(v.Number())
	case v.IsNil():
		return "nil"
	default:
		return fmt.Sprintf("(error object is a %s value)", v.TypeName())
	}
}

// throw unwinds to the nearest protected call.
func (co *Coroutine) throw(e *Error) {
	panic(e)
}

// errorValue raises v as a runtime error of the given kind, first passing it
// through the active message handler.
func (co *Coroutine) errorValue(kind ErrorKind, v Value) {
	if co.errfunc != 0 {
		v = co.callErrorHandler(v)
	}
	co.throw(&Error{Status: ErrRun, Kind: kind, Value: v, Message: co.h.describe(v)})
}

// callErrorHandler runs the message handler at the raise point, before any
// unwinding, so it can inspect the failing stack.
func (co *Coroutine) callErrorHandler(v Value) Value {
	handler := co.stack[co.errfunc]
	if !handler.IsFunction() {
		co.throw(co.errErr())
	}
	co.errfunc = 0
	co.checkStack(2)
	co.stack[co.top] = handler
	co.stack[co.top+1] = v
	co.top += 2
	fn := co.top - 2
	if err := co.runProtected(func() { co.call(fn, 1) }); err != nil {
		co.throw(co.errErr())
	}
	co.top--
	return co.stack[co.top]
}

func (co *Coroutine) errErr() *Error {
	msg := co.h.errErrMsg
	return &Error{Status: ErrErr, Kind: KindRuntime, Value: msg.value(), Message: msg.s}
}

// runError raises a formatted message prefixed with the current position.
func (co *Coroutine) runError(kind ErrorKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if where := co.where(0); where != "" {
		msg = where + msg
	}
	co.errorValue(kind, co.h.stringValue(msg))
}

// raiseGoError converts an error returned by a host function into a raise.
func (co *Coroutine) raiseGoError(err error) {
	var e *Error
	if errors.As(err, &e) {
		if e.Status == ErrMem || e.Status == ErrErr {
			co.throw(e)
		}
		v := e.Value
		if !co.h.alive(v) {
			v = co.h.stringValue(e.Message)
		}
		co.errorValue(e.Kind, v)
	}
	msg := err.Error()
	if where := co.where(1); where != "" {
		msg = where + msg
	}
	v := co.h.stringValue(msg)
	if co.errfunc != 0 {
		v = co.callErrorHandler(v)
	}
	co.throw(&Error{Status: ErrRun, Kind: KindHost, Value: v, Message: co.h.describe(v), Cause: err})
}

// setErrorObj leaves the error value of e at stack slot at.
func (co *Coroutine) setErrorObj(e *Error, at int) {
	co.stack[at] = e.Value
	co.top = at + 1
}
