// Package command implements the command layer of spec §4.6 (C7):
// request/response correlation with idempotency, operation-class
// timeouts, and the single-key/multi-key operation semantics executed
// against storage. The anti-entropy ops are declared here, but the
// Executor rejects them as unsupported; anti-entropy runs in
// internal/antientropy.
package command

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"merklekv/internal/errs"
)

// Op names the operation a Request performs.
type Op string

const (
	OpGet      Op = "Get"
	OpSet      Op = "Set"
	OpDelete   Op = "Delete"
	OpIncr     Op = "Incr"
	OpDecr     Op = "Decr"
	OpAppend   Op = "Append"
	OpPrepend  Op = "Prepend"
	OpMGet     Op = "MGet"
	OpMSet     Op = "MSet"
	OpSync     Op = "Sync"
	OpSyncKeys Op = "SyncKeys"
)

// Class is the operation-class timeout bucket of spec §4.6.
type Class int

const (
	ClassSingleKey Class = iota
	ClassMultiKey
	ClassAntiEntropy
)

func (op Op) Class() Class {
	switch op {
	case OpMGet, OpMSet:
		return ClassMultiKey
	case OpSync, OpSyncKeys:
		return ClassAntiEntropy
	default:
		return ClassSingleKey
	}
}

// Timeout returns the operation-class timeout (spec §4.6: A=10s, B=20s,
// C=30s).
func (c Class) Timeout() time.Duration {
	switch c {
	case ClassMultiKey:
		return 20 * time.Second
	case ClassAntiEntropy:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

const MaxRequestBytes = 524288

// Request is the wire request object of spec §4.6.
type Request struct {
	ID    string `json:"id"`
	Op    Op     `json:"op"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"` // suffix for Append, prefix for Prepend

	Keys  []string          `json:"keys,omitempty"`
	Pairs map[string]string `json:"pairs,omitempty"`

	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// Response is the canonical response shape of spec §6.
type Response struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"` // "OK" | "NOT_FOUND" | "ERROR"
	Value     string            `json:"value,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorCode int               `json:"errorCode,omitempty"`
	Results   map[string]string `json:"results,omitempty"`
}

var uuidV4Shape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NormalizeID applies spec §4.6's id policy: empty generates a random
// UUIDv4; a 36-character id must match the UUIDv4 shape; anything else
// 1-64 chars is accepted verbatim; everything else is InvalidRequest.
func NormalizeID(id string) (string, error) {
	if id == "" {
		return uuid.NewString(), nil
	}
	if len(id) == 36 {
		if !uuidV4Shape.MatchString(id) {
			return "", fmt.Errorf("%w: id looks like a UUID but is not valid UUIDv4 shape", errs.ErrInvalidRequest)
		}
		return id, nil
	}
	if len(id) < 1 || len(id) > 64 {
		return "", fmt.Errorf("%w: id must be 1-64 characters", errs.ErrInvalidRequest)
	}
	return id, nil
}
