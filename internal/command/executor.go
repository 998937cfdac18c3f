package command

import (
	"fmt"
	"strconv"
	"time"

	"merklekv/internal/codec"
	"merklekv/internal/errs"
	"merklekv/internal/outbox"
	"merklekv/internal/sequencer"
	"merklekv/internal/storage"
)

const maxIncrMagnitude = 9_000_000_000_000_000

// Executor runs a validated Request against local storage, producing the
// Response a node sends back to the requesting client. Every mutation
// also gets a fresh sequence number and is enqueued for replication
// (spec §1: "a client submits a command ... the owning node's command
// handler mutates C2 → C2 emits a change → C3 assigns sequence → C4
// encodes → C5 enqueues and publishes").
type Executor struct {
	store      *storage.Store
	sequencer  *sequencer.Sequencer
	outbox     *outbox.Outbox // nil is allowed: the Executor then enqueues nothing itself
	nodeID     string
	now        func() time.Time
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Store     *storage.Store
	Sequencer *sequencer.Sequencer
	Outbox    *outbox.Outbox
	NodeID    string
	Now       func() time.Time
}

func NewExecutor(opts ExecutorOptions) *Executor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:     opts.Store,
		sequencer: opts.Sequencer,
		outbox:    opts.Outbox,
		nodeID:    opts.NodeID,
		now:       now,
	}
}

// Execute dispatches req to its operation handler. req.ID is expected to
// already be normalized (the correlator does this on the sending side).
func (e *Executor) Execute(req Request) Response {
	switch req.Op {
	case OpGet:
		return e.execGet(req)
	case OpSet:
		return e.execSet(req)
	case OpDelete:
		return e.execDelete(req)
	case OpIncr:
		return e.execIncrDecr(req, 1)
	case OpDecr:
		return e.execIncrDecr(req, -1)
	case OpAppend:
		return e.execAppendPrepend(req, true)
	case OpPrepend:
		return e.execAppendPrepend(req, false)
	case OpMGet:
		return e.execMGet(req)
	case OpMSet:
		return e.execMSet(req)
	default:
		return errorResponse(req.ID, errs.KindInvalidRequest, fmt.Sprintf("unsupported op %q", req.Op))
	}
}

func errorResponse(id string, kind errs.Kind, msg string) Response {
	return Response{ID: id, Status: "ERROR", Error: msg, ErrorCode: errs.Code(kind)}
}

func (e *Executor) execGet(req Request) Response {
	entry, ok := e.store.Get(req.Key)
	if !ok {
		return Response{ID: req.ID, Status: "NOT_FOUND"}
	}
	return Response{ID: req.ID, Status: "OK", Value: entry.Value}
}

// localPut assigns a fresh sequence number, applies entry locally (first
// hand, not reconciled), and enqueues the encoded event for replication.
func (e *Executor) localPut(key, value string, tombstone bool) (storage.Entry, error) {
	seq, err := e.sequencer.Next()
	if err != nil {
		return storage.Entry{}, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}

	entry := storage.Entry{
		Key:         key,
		Value:       value,
		TimestampMs: e.now().UnixMilli(),
		NodeID:      e.nodeID,
		Seq:         seq,
		IsTombstone: tombstone,
	}
	if err := e.store.Put(entry); err != nil {
		return storage.Entry{}, err
	}

	if e.outbox != nil {
		encoded, err := codec.Encode(codec.ChangeEvent{
			Key: entry.Key, NodeID: entry.NodeID, Seq: entry.Seq,
			TimestampMs: entry.TimestampMs, Tombstone: entry.IsTombstone, Value: entry.Value,
		})
		if err != nil {
			return entry, err
		}
		if err := e.outbox.Enqueue(encoded); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

func (e *Executor) execSet(req Request) Response {
	if _, err := e.localPut(req.Key, req.Value, false); err != nil {
		return responseFromError(req.ID, err)
	}
	return Response{ID: req.ID, Status: "OK"}
}

func (e *Executor) execDelete(req Request) Response {
	if _, err := e.localPut(req.Key, "", true); err != nil {
		return responseFromError(req.ID, err)
	}
	return Response{ID: req.ID, Status: "OK"}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Executor) execIncrDecr(req Request, sign int64) Response {
	var current int64
	if entry, ok := e.store.Get(req.Key); ok {
		parsed, err := strconv.ParseInt(entry.Value, 10, 64)
		if err != nil || absInt64(parsed) > maxIncrMagnitude {
			return errorResponse(req.ID, errs.KindInvalidRequest, "existing value is not a valid counter")
		}
		current = parsed
	}
	if absInt64(req.Delta) > maxIncrMagnitude {
		return errorResponse(req.ID, errs.KindInvalidRequest, "delta out of range")
	}

	result := current + sign*req.Delta
	if absInt64(result) > maxIncrMagnitude {
		return errorResponse(req.ID, errs.KindInvalidRequest, "result out of range")
	}

	newValue := strconv.FormatInt(result, 10)
	if _, err := e.localPut(req.Key, newValue, false); err != nil {
		return responseFromError(req.ID, err)
	}
	return Response{ID: req.ID, Status: "OK", Value: newValue}
}

func (e *Executor) execAppendPrepend(req Request, appendSuffix bool) Response {
	existing := ""
	if entry, ok := e.store.Get(req.Key); ok {
		existing = entry.Value
	}

	var result string
	if appendSuffix {
		result = existing + req.Text
	} else {
		result = req.Text + existing
	}
	if len(result) > storageMaxValueBytes {
		return errorResponse(req.ID, errs.KindPayloadTooLarge, "result exceeds value size limit")
	}

	if _, err := e.localPut(req.Key, result, false); err != nil {
		return responseFromError(req.ID, err)
	}
	return Response{ID: req.ID, Status: "OK", Value: result}
}

const (
	maxMGetKeys          = 256
	maxMSetPairs         = 100
	maxMultiKeyPayload   = 524288
	storageMaxValueBytes = 262144
)

func (e *Executor) execMGet(req Request) Response {
	seen := make(map[string]struct{}, len(req.Keys))
	unique := make([]string, 0, len(req.Keys))
	for _, k := range req.Keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}
	if len(unique) > maxMGetKeys {
		return errorResponse(req.ID, errs.KindInvalidRequest, "MGET exceeds 256 unique keys")
	}

	results := make(map[string]string, len(unique))
	for _, k := range unique {
		if entry, ok := e.store.Get(k); ok {
			results[k] = entry.Value
		}
	}
	return Response{ID: req.ID, Status: "OK", Results: results}
}

func (e *Executor) execMSet(req Request) Response {
	if len(req.Pairs) > maxMSetPairs {
		return errorResponse(req.ID, errs.KindInvalidRequest, "MSET exceeds 100 pairs")
	}
	total := 0
	for k, v := range req.Pairs {
		total += len(k) + len(v)
	}
	if total > maxMultiKeyPayload {
		return errorResponse(req.ID, errs.KindPayloadTooLarge, "MSET payload exceeds 512 KiB")
	}

	for k, v := range req.Pairs {
		if _, err := e.localPut(k, v, false); err != nil {
			return responseFromError(req.ID, err)
		}
	}
	return Response{ID: req.ID, Status: "OK"}
}

func responseFromError(id string, err error) Response {
	kind := errs.Classify(err)
	return errorResponse(id, kind, err.Error())
}
