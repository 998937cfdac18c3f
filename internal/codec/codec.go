// Package codec implements the deterministic change-event wire encoding
// of spec §4.3 (C4). A change event is a canonical binary list of six
// logical fields in fixed order: key, node_id, seq, timestamp_ms,
// tombstone, value (value present only when tombstone is false).
package codec

import (
	"fmt"

	"merklekv/internal/canon"
	"merklekv/internal/config"
	"merklekv/internal/errs"
)

// ChangeEvent is the semantic content of one replication event.
type ChangeEvent struct {
	Key         string
	NodeID      string
	Seq         int64
	TimestampMs int64
	Tombstone   bool
	Value       string // only meaningful when !Tombstone
}

// MaxEncodedBytes is the 300 KiB cap from spec I3 (§4.3).
const MaxEncodedBytes = config.MaxReplicationEventBytes

// Encode renders ev into its canonical binary form. It returns
// errs.ErrPayloadTooLarge if the result would exceed MaxEncodedBytes, and
// errs.ErrTombstoneWithValue if the event is internally inconsistent
// (tombstone=true with a non-empty value is a caller bug, not a wire
// condition, but we reject it here too so an event can never be encoded
// into a form its own decoder would refuse).
func Encode(ev ChangeEvent) ([]byte, error) {
	if ev.Tombstone && ev.Value != "" {
		return nil, fmt.Errorf("%w: tombstone=true with a non-empty value", errs.ErrTombstoneWithValue)
	}
	fields := []canon.Value{
		canon.Text(ev.Key),
		canon.Text(ev.NodeID),
		canon.Int(ev.Seq),
		canon.Int(ev.TimestampMs),
		canon.Bool(ev.Tombstone),
	}
	if !ev.Tombstone {
		fields = append(fields, canon.Text(ev.Value))
	}

	out := canon.Encode(canon.List(fields...))
	if len(out) > MaxEncodedBytes {
		return nil, fmt.Errorf("%w: encoded change event is %d bytes (max %d)", errs.ErrPayloadTooLarge, len(out), MaxEncodedBytes)
	}
	return out, nil
}

// Decode parses a canonical change event, enforcing the size cap before
// any parsing work and rejecting schema violations per spec §4.3.
// Decode never panics on arbitrary input (spec property P5).
func Decode(b []byte) (ChangeEvent, error) {
	if len(b) > MaxEncodedBytes {
		return ChangeEvent{}, fmt.Errorf("%w: encoded change event is %d bytes (max %d)", errs.ErrPayloadTooLarge, len(b), MaxEncodedBytes)
	}

	val, n, err := canon.Decode(b)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", errs.ErrSchemaError, err)
	}
	if n != len(b) {
		return ChangeEvent{}, fmt.Errorf("%w: trailing bytes after change event", errs.ErrSchemaError)
	}

	items, ok := val.List()
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: change event is not a list", errs.ErrSchemaError)
	}
	if len(items) != 5 && len(items) != 6 {
		return ChangeEvent{}, fmt.Errorf("%w: change event has %d fields, want 5 or 6", errs.ErrSchemaError, len(items))
	}

	key, ok := items[0].Text()
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: field 0 (key) is not text", errs.ErrSchemaError)
	}
	nodeID, ok := items[1].Text()
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: field 1 (node_id) is not text", errs.ErrSchemaError)
	}
	seq, ok := items[2].Int()
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: field 2 (seq) is not int", errs.ErrSchemaError)
	}
	ts, ok := items[3].Int()
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: field 3 (timestamp_ms) is not int", errs.ErrSchemaError)
	}
	tombstone, ok := items[4].Bool()
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: field 4 (tombstone) is not bool", errs.ErrSchemaError)
	}

	ev := ChangeEvent{Key: key, NodeID: nodeID, Seq: seq, TimestampMs: ts, Tombstone: tombstone}

	switch len(items) {
	case 6:
		if tombstone {
			return ChangeEvent{}, fmt.Errorf("%w: tombstone=true with a value field present", errs.ErrTombstoneWithValue)
		}
		value, ok := items[5].Text()
		if !ok {
			return ChangeEvent{}, fmt.Errorf("%w: field 5 (value) is not text", errs.ErrSchemaError)
		}
		ev.Value = value
	case 5:
		if !tombstone {
			return ChangeEvent{}, fmt.Errorf("%w: tombstone=false but value field is missing", errs.ErrSchemaError)
		}
	}

	return ev, nil
}
