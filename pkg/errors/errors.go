package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a CacheError.
type Kind int

const (
	// KindFatal marks conditions the cache cannot recover from: the record
	// pool is exhausted or a translation overran its block.
	KindFatal Kind = iota
	KindConfig
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindConfig:
		return "config"
	case KindMemory:
		return "memory"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type CacheError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports kind and message equality so wrapped sentinels match.
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

var (
	ErrOutOfBlocks  = &CacheError{Kind: KindFatal, Message: "ran out of cache blocks"}
	ErrBlockOverrun = &CacheError{Kind: KindFatal, Message: "cache block overrun"}
	ErrCacheClosed  = &CacheError{Kind: KindFatal, Message: "cache is closed"}
	ErrNoCodePage   = &CacheError{Kind: KindMemory, Message: "page cannot hold code"}

	// ErrPagePoolExhausted means every code page is in use and none may be
	// evicted.
	ErrPagePoolExhausted = &CacheError{Kind: KindMemory, Message: "no code page can be evicted"}
)

// IsFatal checks if an error is a fatal cache error
func IsFatal(err error) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Kind == KindFatal
	}
	return false
}

// Wrap wraps an existing error as a cache error of the given kind
func Wrap(err error, kind Kind, message string) *CacheError {
	return &CacheError{
		Kind:    kind,
		Message: message,
		Cause:   err,
	}
}

// Errorf creates a new cache error with formatted message
func Errorf(kind Kind, format string, args ...interface{}) *CacheError {
	return &CacheError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Fatalf builds a fatal error that still matches the given sentinel via errors.Is.
func Fatalf(sentinel *CacheError, format string, args ...interface{}) *CacheError {
	return &CacheError{
		Kind:    KindFatal,
		Message: sentinel.Message,
		Cause:   fmt.Errorf(format, args...),
	}
}
