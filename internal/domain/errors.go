package domain

import (
	"errors"
	"fmt"
)

// Общие доменные ошибки
var (
	ErrNotFound         = notFoundError("not found")
	ErrValidation       = validationError("invalid data")
	ErrUnsupportedEvent = validationError("unsupported event type")
	ErrExecutionExists  = conflictError("execution already exists")
	ErrVersionConflict  = conflictError("version conflict")
	ErrTokenInvalid     = conflictError("continuation token invalid or already redeemed")
	ErrAlreadyReported  = conflictError("decision already reported")
	ErrDeadlineExceeded = errors.New("execution deadline exceeded")
)

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

type validationError string

func (e validationError) Error() string { return string(e) }

type conflictError string

func (e conflictError) Error() string { return string(e) }

// Kind — класс ошибки внешнего взаимодействия; определяет, повторять ли попытку.
type Kind int

const (
	// KindTransient — сеть, троттлинг, 5xx: повторяется циклом ожидания или очередью.
	KindTransient Kind = iota + 1
	// KindConfiguration — неизвестный проект, отсутствующие настройки: не повторяется.
	KindConfiguration
	// KindCredential — отказ в доступе: не повторяется.
	KindCredential
	// KindRemote — внешняя система ответила отказом на корректный запрос.
	KindRemote
	// KindCallback — каталог не принял решение.
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindCredential:
		return "credential"
	case KindRemote:
		return "remote"
	case KindCallback:
		return "callback"
	}
	return "unknown"
}

// Error — классифицированная ошибка с именем операции.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

func Credential(op string, err error) error {
	return &Error{Kind: KindCredential, Op: op, Err: err}
}

func Remote(op string, err error) error {
	return &Error{Kind: KindRemote, Op: op, Err: err}
}

func Callback(op string, err error) error {
	return &Error{Kind: KindCallback, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// ReasonOf maps a non-retryable error to the failure reason recorded on the outcome.
func ReasonOf(err error) FailureReason {
	if errors.Is(err, ErrDeadlineExceeded) {
		return ReasonTimeout
	}
	switch KindOf(err) {
	case KindTransient:
		return ReasonRetriesExhausted
	case KindConfiguration:
		return ReasonConfiguration
	case KindCredential:
		return ReasonCredential
	case KindRemote:
		return ReasonTicket
	case KindCallback:
		return ReasonCallback
	}
	// storage failures and other unclassified errors
	return ReasonInternal
}
