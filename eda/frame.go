package eda

import (
	"bytes"
	"strings"

	gojson "github.com/goccy/go-json"
)

// FrameKind tags the envelope union. Unknown frames are dropped by the
// dispatcher, never treated as errors.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRegister
	FrameUpdate
	FrameTabular
)

func (self FrameKind) String() string {
	switch self {
	case FrameRegister:
		return "register"
	case FrameUpdate:
		return "update"
	case FrameTabular:
		return "tabular"
	default:
		return "unknown"
	}
}

// UpdateEntry is one upsert-or-delete record within an update-style frame.
// Data of JSON null (or absent) signals deletion of the entity identified by
// Key or by the embedded metadata.
type UpdateEntry struct {
	Key  string
	Data gojson.RawMessage
}

func (self *UpdateEntry) IsDelete() bool {
	return len(self.Data) == 0 || bytes.Equal(bytes.TrimSpace(self.Data), []byte("null"))
}

// TableOp is one operation of a tabular query stream frame.
type TableOp struct {
	Rows      []gojson.RawMessage
	DeleteIds []gojson.RawMessage
}

// Frame is one parsed inbound envelope.
type Frame struct {
	Kind   FrameKind
	Stream string

	// register
	ClientId string
	// update
	Updates []UpdateEntry
	// tabular
	Ops []TableOp
}

type wireFrame struct {
	Type   string            `json:"type"`
	Stream string            `json:"stream"`
	Msg    gojson.RawMessage `json:"msg"`
}

// ParseFrame converts one raw inbound frame into the tagged union. The kind
// is taken from the type field when present, otherwise inferred from the
// message shape (update frames do not always carry a type).
func ParseFrame(data []byte) (*Frame, error) {
	var wire wireFrame
	if err := gojson.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	frame := &Frame{
		Kind:   FrameUnknown,
		Stream: wire.Stream,
	}

	msg := map[string]gojson.RawMessage{}
	if len(wire.Msg) > 0 {
		if err := gojson.Unmarshal(wire.Msg, &msg); err != nil {
			return nil, err
		}
	}

	if wire.Type == "register" {
		frame.Kind = FrameRegister
		if raw, ok := pickField(msg, "client"); ok {
			frame.ClientId = flexString(raw)
		}
		return frame, nil
	}

	if raw, ok := pickField(msg, "op"); ok {
		ops, err := parseTableOps(raw)
		if err != nil {
			return nil, err
		}
		frame.Kind = FrameTabular
		frame.Ops = ops
		return frame, nil
	}

	if raw, ok := pickField(msg, "updates"); ok {
		return parseUpdateFrame(frame, raw)
	}
	if raw, ok := pickField(msg, "results"); ok {
		return parseUpdateFrame(frame, raw)
	}

	return frame, nil
}

func parseUpdateFrame(frame *Frame, raw gojson.RawMessage) (*Frame, error) {
	var wireEntries []struct {
		Key  string            `json:"key"`
		Data gojson.RawMessage `json:"data"`
	}
	if err := gojson.Unmarshal(raw, &wireEntries); err != nil {
		return nil, err
	}
	frame.Kind = FrameUpdate
	for _, wireEntry := range wireEntries {
		frame.Updates = append(frame.Updates, UpdateEntry{
			Key:  wireEntry.Key,
			Data: wireEntry.Data,
		})
	}
	return frame, nil
}

func parseTableOps(raw gojson.RawMessage) ([]TableOp, error) {
	var rawOps []map[string]gojson.RawMessage
	if err := gojson.Unmarshal(raw, &rawOps); err != nil {
		return nil, err
	}

	ops := []TableOp{}
	for _, rawOp := range rawOps {
		op := TableOp{}
		if iom, ok := pickField(rawOp, "insert_or_modify"); ok {
			var body map[string]gojson.RawMessage
			if err := gojson.Unmarshal(iom, &body); err != nil {
				return nil, err
			}
			if rows, ok := pickField(body, "rows"); ok {
				if err := gojson.Unmarshal(rows, &op.Rows); err != nil {
					return nil, err
				}
			}
		}
		if del, ok := pickField(rawOp, "delete"); ok {
			var body map[string]gojson.RawMessage
			if err := gojson.Unmarshal(del, &body); err != nil {
				return nil, err
			}
			if ids, ok := pickField(body, "ids"); ok {
				if err := gojson.Unmarshal(ids, &op.DeleteIds); err != nil {
					return nil, err
				}
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// pickField reads a field whose casing is inconsistent on the wire:
// the lowercase form first, then the capitalized form.
func pickField(msg map[string]gojson.RawMessage, name string) (gojson.RawMessage, bool) {
	if raw, ok := msg[name]; ok {
		return raw, true
	}
	capitalized := strings.ToUpper(name[:1]) + name[1:]
	if raw, ok := msg[capitalized]; ok {
		return raw, true
	}
	return nil, false
}

// flexString decodes a value that may arrive as a JSON string or as a bare
// literal (e.g. a numeric client id).
func flexString(raw gojson.RawMessage) string {
	var s string
	if err := gojson.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
