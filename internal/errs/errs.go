// Package errs defines the shared error taxonomy used across every
// component (spec §7). Components return sentinel errors from this
// package, or wrap them with fmt.Errorf("%w", ...), so that callers and
// log statements can classify a failure with errors.Is instead of string
// matching.
package errs

import "errors"

// Kind is one of the taxonomy buckets from spec §7.
type Kind string

const (
	KindInvalidConfiguration Kind = "InvalidConfiguration"
	KindInvalidRequest       Kind = "InvalidRequest"
	KindTimeout              Kind = "Timeout"
	KindIdempotentReplay     Kind = "IdempotentReplay"
	KindPayloadTooLarge      Kind = "PayloadTooLarge"
	KindConnectionLost       Kind = "ConnectionLost"
	KindBrokerUnreachable    Kind = "BrokerUnreachable"
	KindSchemaError          Kind = "SchemaError"
	KindTombstoneWithValue   Kind = "TombstoneWithValue"
	KindClockSkew            Kind = "ClockSkew"
	KindStorageFailure       Kind = "StorageFailure"
	KindStorageCorruption    Kind = "StorageCorruption"
	KindRateLimited          Kind = "RateLimited"
	KindNetworkError         Kind = "NetworkError"
	KindMerkleTreeError      Kind = "MerkleTreeError"
	KindInternalError        Kind = "InternalError"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrTimeout              = errors.New("timeout")
	ErrIdempotentReplay     = errors.New("idempotent replay")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrConnectionLost       = errors.New("connection lost")
	ErrBrokerUnreachable    = errors.New("broker unreachable")
	ErrSchemaError          = errors.New("schema error")
	ErrTombstoneWithValue   = errors.New("tombstone with value")
	ErrClockSkew            = errors.New("clock skew")
	ErrStorageFailure       = errors.New("storage failure")
	ErrStorageCorruption    = errors.New("storage corruption")
	ErrRateLimited          = errors.New("rate limited")
	ErrNetworkError         = errors.New("network error")
	ErrMerkleTreeError      = errors.New("merkle tree error")
	ErrInternalError        = errors.New("internal error")
	ErrInvalidKey           = errors.New("invalid key")
	ErrInvalidValue         = errors.New("invalid value")
	ErrNotFound             = errors.New("not found")
)

// kindBySentinel maps each sentinel to its taxonomy kind for classification.
var kindBySentinel = map[error]Kind{
	ErrInvalidConfiguration: KindInvalidConfiguration,
	ErrInvalidRequest:       KindInvalidRequest,
	ErrTimeout:              KindTimeout,
	ErrIdempotentReplay:     KindIdempotentReplay,
	ErrPayloadTooLarge:      KindPayloadTooLarge,
	ErrConnectionLost:       KindConnectionLost,
	ErrBrokerUnreachable:    KindBrokerUnreachable,
	ErrSchemaError:          KindSchemaError,
	ErrTombstoneWithValue:   KindTombstoneWithValue,
	ErrClockSkew:            KindClockSkew,
	ErrStorageFailure:       KindStorageFailure,
	ErrStorageCorruption:    KindStorageCorruption,
	ErrRateLimited:          KindRateLimited,
	ErrNetworkError:         KindNetworkError,
	ErrMerkleTreeError:      KindMerkleTreeError,
	ErrInternalError:        KindInternalError,
	ErrInvalidKey:           KindInvalidRequest,
	ErrInvalidValue:         KindInvalidRequest,
}

// Classify maps err to its nearest taxonomy Kind, defaulting to
// KindInternalError for anything unrecognized (spec §7 propagation policy:
// "at component boundaries, errors are mapped to the nearest taxonomy
// kind").
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternalError
}

// Code returns the numeric errorCode used on the wire (spec §4.6).
func Code(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return 100
	case KindTimeout:
		return 101
	case KindIdempotentReplay:
		return 102
	case KindPayloadTooLarge:
		return 103
	default:
		return 199
	}
}
