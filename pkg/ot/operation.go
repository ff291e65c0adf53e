// Package ot implements Operational Transformation over rich-text deltas.
//
// A Delta is an ordered list of insert, delete and retain operations that maps
// one document onto another. Deltas compose, transform against concurrent
// deltas and invert; a document is itself a Delta made only of inserts.
package ot

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// OpType represents the type of operation
type OpType int

const (
	OpInsert OpType = iota
	OpDelete
	OpRetain
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpRetain:
		return "retain"
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

// Operation represents a single edit operation. Lengths are measured in
// runes, not bytes.
type Operation struct {
	Type    OpType
	Content string     // For insert
	Length  int        // For delete/retain
	Attrs   Attributes // For insert/retain
}

// Insert creates an insert of s carrying attrs.
func Insert(s string, attrs Attributes) Operation {
	return Operation{Type: OpInsert, Content: s, Attrs: attrs}
}

// Delete creates a delete of n runes.
func Delete(n int) Operation {
	return Operation{Type: OpDelete, Length: n}
}

// Retain creates a retain of n runes. Empty attrs make a plain retain.
func Retain(n int, attrs Attributes) Operation {
	return Operation{Type: OpRetain, Length: n, Attrs: attrs}
}

// Len returns the number of runes the operation spans.
func (op Operation) Len() int {
	if op.Type == OpInsert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

// IsPlain reports whether op is a retain without formatting.
func (op Operation) IsPlain() bool {
	return op.Type == OpRetain && op.Attrs.IsEmpty()
}

// Validate checks that op spans at least one rune.
func (op Operation) Validate() error {
	switch op.Type {
	case OpInsert:
		if op.Content == "" {
			return errors.Wrap(ErrInvalidOperation, "empty insert")
		}
	case OpDelete, OpRetain:
		if op.Length <= 0 {
			return errors.Wrapf(ErrInvalidOperation, "%s of length %d", op.Type, op.Length)
		}
	default:
		return errors.Wrapf(ErrInvalidOperation, "unknown type %d", int(op.Type))
	}
	return nil
}

// Equal reports whether two operations are identical.
func (op Operation) Equal(o Operation) bool {
	return op.Type == o.Type && op.Content == o.Content && op.Length == o.Length && op.Attrs.Equal(o.Attrs)
}

// split cuts op after n runes. n must be within (0, op.Len()).
func (op Operation) split(n int) (head, tail Operation) {
	head, tail = op, op
	if op.Type == OpInsert {
		i := runeOffset(op.Content, n)
		head.Content, tail.Content = op.Content[:i], op.Content[i:]
		return head, tail
	}
	head.Length, tail.Length = n, op.Length-n
	return head, tail
}

func (op Operation) String() string {
	var s string
	switch op.Type {
	case OpInsert:
		s = fmt.Sprintf("insert(%q)", op.Content)
	default:
		s = fmt.Sprintf("%s(%d)", op.Type, op.Length)
	}
	if !op.Attrs.IsEmpty() {
		s += fmt.Sprintf("%v", map[string]string(attrMap(op.Attrs)))
	}
	return s
}

func attrMap(a Attributes) map[string]string {
	m := make(map[string]string, len(a))
	for _, kv := range a {
		m[kv.Key] = kv.Value.String()
	}
	return m
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	if n <= 0 {
		return 0
	}
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return i
}
