package bundle

import (
	"errors"
	"strings"
)

// Kind classifies a packaging failure.
type Kind uint8

const (
	KindLocator Kind = iota + 1 // the running binary could not be located
	KindIO                      // open/read/write/seek failure
	KindFormat                  // trailer or payload boundaries are invalid
	KindCompile                 // the script did not compile
	KindExec                    // the payload failed to load or run
)

func (k Kind) String() string {
	switch k {
	case KindLocator:
		return "locator error"
	case KindIO:
		return "i/o error"
	case KindFormat:
		return "format error"
	case KindCompile:
		return "compile error"
	case KindExec:
		return "exec error"
	default:
		return "unknown error"
	}
}

// Op names the step that failed.
type Op string

const (
	OpLocate     Op = "locate self"
	OpReadSelf   Op = "read self"
	OpReadFooter Op = "read footer"
	OpScratch    Op = "create scratch"
	OpCompile    Op = "compile"
	OpWrite      Op = "write output"
	OpExec       Op = "exec"
)

var (
	ErrTooSmall      = errors.New("too small to carry a footer")
	ErrNoPayload     = errors.New("no embedded payload")
	ErrEmptyPayload  = errors.New("empty payload")
	ErrCorruptFooter = errors.New("corrupt footer: payload extends before start of file")
)

// Error is returned by every Builder and Launcher operation.
type Error struct {
	Kind Kind
	Op   Op
	Path string
	Err  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Op))
	if e.Path != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Path)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op Op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
