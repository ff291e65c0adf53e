package ot

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type insertBody struct {
	Text  string     `json:"text"`
	Attrs Attributes `json:"attrs,omitempty"`
}

type countBody struct {
	Count int        `json:"count"`
	Attrs Attributes `json:"attrs,omitempty"`
}

// wireOp is the tagged union form: exactly one field is set.
type wireOp struct {
	Insert *insertBody `json:"insert,omitempty"`
	Delete *countBody  `json:"delete,omitempty"`
	Retain *countBody  `json:"retain,omitempty"`
}

// MarshalJSON encodes op as {"insert":{...}}, {"delete":{...}} or {"retain":{...}}.
func (op Operation) MarshalJSON() ([]byte, error) {
	var w wireOp
	switch op.Type {
	case OpInsert:
		w.Insert = &insertBody{Text: op.Content, Attrs: op.Attrs}
	case OpDelete:
		w.Delete = &countBody{Count: op.Length}
	case OpRetain:
		w.Retain = &countBody{Count: op.Length, Attrs: op.Attrs}
	default:
		return nil, errors.Wrapf(ErrInvalidOperation, "unknown type %d", int(op.Type))
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged union written by MarshalJSON.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	set := 0
	for _, present := range []bool{w.Insert != nil, w.Delete != nil, w.Retain != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.Wrapf(ErrInvalidOperation, "malformed operation %s", data)
	}
	switch {
	case w.Insert != nil:
		*op = Insert(w.Insert.Text, w.Insert.Attrs)
	case w.Delete != nil:
		*op = Delete(w.Delete.Count)
	default:
		*op = Retain(w.Retain.Count, w.Retain.Attrs)
	}
	return op.Validate()
}

// MarshalJSON encodes the delta as a list of operations.
func (d Delta) MarshalJSON() ([]byte, error) {
	if d.Ops == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Ops)
}

// UnmarshalJSON decodes a list of operations into canonical form.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return err
	}
	*d = New(ops...)
	return nil
}

// ParseDelta decodes a JSON delta.
func ParseDelta(data []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return Delta{}, errors.Wrap(err, "parse delta")
	}
	return d, nil
}
