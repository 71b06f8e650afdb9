// Package tgerr provides the structured error taxonomy for TerrainGossip
// (spec §7): five kinds — Validation, Crypto, State, Transport,
// Persistence — each carrying a retryability flag and an optional
// underlying cause.
package tgerr

import (
	"errors"
	"fmt"
)

// Kind is one of the five error taxonomy categories from spec §7.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindCrypto      Kind = "crypto"
	KindState       Kind = "state"
	KindTransport   Kind = "transport"
	KindPersistence Kind = "persistence"
)

// Error is a structured TerrainGossip error: a taxonomy kind, a concrete
// name from spec §7's list (e.g. "WorldMismatch", "RateLimited"), an
// optional underlying cause, and whether the caller should retry.
type Error struct {
	Kind       Kind
	Name       string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %v", e.Kind, e.Name, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s]", e.Kind, e.Name)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Name == t.Name
}

func newErr(kind Kind, name string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Name: name, Underlying: cause, Retryable: retryable}
}

// Validation-kind constructors (spec §7).
func WorldMismatch() *Error              { return newErr(KindValidation, "WorldMismatch", false, nil) }
func InvalidWorldPhrase() *Error         { return newErr(KindValidation, "InvalidWorldPhrase", false, nil) }
func NormalizationError(cause error) *Error {
	return newErr(KindValidation, "NormalizationError", false, cause)
}
func UnsortedRepeatedField(field string) *Error {
	return newErr(KindValidation, "UnsortedRepeatedField", false, fmt.Errorf("field %q", field))
}
func HashMismatch(cause error) *Error { return newErr(KindValidation, "HashMismatch", false, cause) }
func InvalidLayer(cause error) *Error { return newErr(KindValidation, "InvalidLayer", false, cause) }

// Crypto-kind constructors.
func InvalidSignature() *Error    { return newErr(KindCrypto, "InvalidSignature", false, nil) }
func InvalidKeyLength() *Error    { return newErr(KindCrypto, "InvalidKeyLength", false, nil) }
func AEADEncryptionFailed(cause error) *Error {
	return newErr(KindCrypto, "AEADEncryptionFailed", false, cause)
}
func AEADDecryptionFailed(cause error) *Error {
	return newErr(KindCrypto, "AEADDecryptionFailed", false, cause)
}
func KeyDerivationFailed(cause error) *Error {
	return newErr(KindCrypto, "KeyDerivationFailed", false, cause)
}

// State-kind constructors.
func DuplicateEvent() *Error  { return newErr(KindState, "DuplicateEvent", false, nil) }
func NotAdmitted() *Error     { return newErr(KindState, "NotAdmitted", false, nil) }
func Banned() *Error          { return newErr(KindState, "Banned", false, nil) }
func RateLimited() *Error     { return newErr(KindState, "RateLimited", true, nil) }
func NoProviders(modelFamily string) *Error {
	return newErr(KindState, "NoProviders", false, fmt.Errorf("model family %q", modelFamily))
}
func NoPath() *Error           { return newErr(KindState, "NoPath", true, nil) }
func CircuitNotFound() *Error  { return newErr(KindState, "CircuitNotFound", false, nil) }
func CircuitExpired() *Error   { return newErr(KindState, "CircuitExpired", false, nil) }
func QueueFull() *Error        { return newErr(KindState, "QueueFull", true, nil) }

// Transport-kind constructors.
func Timeout(cause error) *Error      { return newErr(KindTransport, "Timeout", true, cause) }
func ChannelClosed() *Error           { return newErr(KindTransport, "ChannelClosed", true, nil) }
func ConnectionClosed() *Error        { return newErr(KindTransport, "ConnectionClosed", true, nil) }
func PeerNotFound() *Error            { return newErr(KindTransport, "PeerNotFound", false, nil) }

// Persistence-kind constructors.
func StorageError(cause error) *Error {
	return newErr(KindPersistence, "StorageError", false, cause)
}
func SerializationError(cause error) *Error {
	return newErr(KindPersistence, "SerializationError", false, cause)
}

// IsRetryable reports whether err (or a wrapped *Error within it) is
// marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the taxonomy kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is a *Error of the given kind and name.
func Is(err error, kind Kind, name string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind && e.Name == name
}
