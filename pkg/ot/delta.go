package ot

import (
	"strings"

	"github.com/pkg/errors"
)

// Delta is an ordered list of operations describing one edit. A Delta is a
// value: no method modifies its receiver.
//
// A canonical delta never ends with a plain retain, so it applies to any
// document at least BaseLen runes long; the untouched tail is kept as is.
type Delta struct {
	Ops []Operation
}

// New builds a canonical delta from ops.
func New(ops ...Operation) Delta {
	b := NewBuilder()
	for _, op := range ops {
		b.Push(op)
	}
	return b.Build()
}

// FromText returns the document holding s without formatting.
func FromText(s string) Delta {
	return NewBuilder().Insert(s, nil).Build()
}

// BaseLen is the length of the document the delta applies to.
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d.Ops {
		if op.Type != OpInsert {
			n += op.Length
		}
	}
	return n
}

// TargetLen is the length of the document the delta produces.
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d.Ops {
		if op.Type != OpDelete {
			n += op.Len()
		}
	}
	return n
}

// IsNoop reports whether the delta changes nothing.
func (d Delta) IsNoop() bool { return len(d.Ops) == 0 }

// IsDocument reports whether the delta holds inserts only.
func (d Delta) IsDocument() bool {
	for _, op := range d.Ops {
		if op.Type != OpInsert {
			return false
		}
	}
	return true
}

// Text returns the concatenated inserted text.
func (d Delta) Text() string {
	var sb strings.Builder
	for _, op := range d.Ops {
		if op.Type == OpInsert {
			sb.WriteString(op.Content)
		}
	}
	return sb.String()
}

// Equal reports whether both deltas hold identical operations.
func (d Delta) Equal(o Delta) bool {
	if len(d.Ops) != len(o.Ops) {
		return false
	}
	for i := range d.Ops {
		if !d.Ops[i].Equal(o.Ops[i]) {
			return false
		}
	}
	return true
}

func (d Delta) String() string {
	parts := make([]string, len(d.Ops))
	for i, op := range d.Ops {
		parts[i] = op.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Validate checks every operation spans at least one rune.
func (d Delta) Validate() error {
	for i, op := range d.Ops {
		if err := op.Validate(); err != nil {
			return errors.Wrapf(err, "op %d", i)
		}
	}
	return nil
}

// Chop drops a trailing plain retain.
func (d Delta) Chop() Delta {
	if n := len(d.Ops); n > 0 && d.Ops[n-1].IsPlain() {
		return Delta{Ops: d.Ops[:n-1]}
	}
	return d
}

// Concat appends other after d.
func (d Delta) Concat(other Delta) Delta {
	b := NewBuilder()
	for _, op := range d.Ops {
		b.Push(op)
	}
	for _, op := range other.Ops {
		b.Push(op)
	}
	return b.Build()
}

// Slice returns the operations covering runes [start, end) of the delta,
// counting every operation's length.
func (d Delta) Slice(start, end int) Delta {
	b := NewBuilder()
	it := newIterator(d.Ops)
	index := 0
	for index < end && it.index < len(it.ops) {
		var op Operation
		if index < start {
			op = it.next(start - index)
		} else {
			op = it.next(end - index)
			b.Push(op)
		}
		index += op.Len()
	}
	return Delta{Ops: b.ops}
}

// Compose returns the delta equivalent to applying d and then other.
func (d Delta) Compose(other Delta) (Delta, error) {
	if err := d.Validate(); err != nil {
		return Delta{}, err
	}
	if err := other.Validate(); err != nil {
		return Delta{}, err
	}
	a, b := newIterator(d.Ops), newIterator(other.Ops)
	out := NewBuilder()
	for a.hasNext() || b.hasNext() {
		switch {
		case b.peekType() == OpInsert:
			out.Push(b.nextAll())
		case a.peekType() == OpDelete:
			out.Push(a.nextAll())
		default:
			n := min(a.peekLen(), b.peekLen())
			aOp, bOp := a.next(n), b.next(n)
			switch bOp.Type {
			case OpRetain:
				if aOp.Type == OpRetain {
					out.Push(Retain(n, ComposeAttributes(aOp.Attrs, bOp.Attrs, true)))
				} else {
					out.Push(Insert(aOp.Content, ComposeAttributes(aOp.Attrs, bOp.Attrs, false)))
				}
			case OpDelete:
				// A delete over our insert cancels it.
				if aOp.Type == OpRetain {
					out.Push(bOp)
				}
			}
		}
	}
	return out.Build(), nil
}

// Transform rewrites other, a delta concurrent with d over the same
// document, so it applies after d. With priority, d's inserts are ordered
// first when both insert at the same position. It holds that
//
//	d.Compose(d.Transform(other, p)) == other.Compose(other.Transform(d, !p))
func (d Delta) Transform(other Delta, priority bool) (Delta, error) {
	if err := d.Validate(); err != nil {
		return Delta{}, err
	}
	if err := other.Validate(); err != nil {
		return Delta{}, err
	}
	a, b := newIterator(d.Ops), newIterator(other.Ops)
	out := NewBuilder()
	for a.hasNext() || b.hasNext() {
		switch {
		case a.peekType() == OpInsert && (priority || b.peekType() != OpInsert):
			out.Retain(a.nextAll().Len(), nil)
		case b.peekType() == OpInsert:
			out.Push(b.nextAll())
		default:
			n := min(a.peekLen(), b.peekLen())
			aOp, bOp := a.next(n), b.next(n)
			switch {
			case aOp.Type == OpDelete:
				// Already gone, nothing left for other to touch.
			case bOp.Type == OpDelete:
				out.Push(bOp)
			default:
				out.Retain(n, TransformAttributes(aOp.Attrs, bOp.Attrs, priority))
			}
		}
	}
	return out.Build(), nil
}

// TransformPosition moves a cursor index across d. With priority, an insert
// exactly at index does not push the cursor.
func (d Delta) TransformPosition(index int, priority bool) int {
	it := newIterator(d.Ops)
	offset := 0
	for it.index < len(it.ops) && offset <= index {
		n := it.peekLen()
		t := it.peekType()
		it.nextAll()
		if t == OpDelete {
			index -= min(n, index-offset)
			continue
		}
		if t == OpInsert && (offset < index || !priority) {
			index += n
		}
		offset += n
	}
	return index
}

// Apply composes d onto doc, which must be a document at least BaseLen long.
func (d Delta) Apply(doc Delta) (Delta, error) {
	if !doc.IsDocument() {
		return Delta{}, errors.Wrap(ErrInvalidOperation, "apply target is not a document")
	}
	if base, have := d.BaseLen(), doc.TargetLen(); base > have {
		return Delta{}, errors.Wrapf(ErrLengthMismatch, "delta needs %d runes, document has %d", base, have)
	}
	return doc.Compose(d)
}

// Invert returns the delta that undoes d when applied after it. base is the
// document d was applied to.
func (d Delta) Invert(base Delta) (Delta, error) {
	if !base.IsDocument() {
		return Delta{}, errors.Wrap(ErrInvalidOperation, "invert base is not a document")
	}
	if need, have := d.BaseLen(), base.TargetLen(); need > have {
		return Delta{}, errors.Wrapf(ErrLengthMismatch, "delta needs %d runes, base has %d", need, have)
	}
	out := NewBuilder()
	index := 0
	for _, op := range d.Ops {
		switch {
		case op.Type == OpInsert:
			out.Delete(op.Len())
		case op.IsPlain():
			out.Retain(op.Length, nil)
			index += op.Length
		default:
			for _, baseOp := range base.Slice(index, index+op.Length).Ops {
				if op.Type == OpDelete {
					out.Push(baseOp)
				} else {
					out.Retain(baseOp.Len(), InvertAttributes(op.Attrs, baseOp.Attrs))
				}
			}
			index += op.Length
		}
	}
	return out.Build(), nil
}

// ComposeAll folds Compose over ds from left to right.
func ComposeAll(ds ...Delta) (Delta, error) {
	var acc Delta
	for i, d := range ds {
		next, err := acc.Compose(d)
		if err != nil {
			return Delta{}, errors.Wrapf(err, "delta %d", i)
		}
		acc = next
	}
	return acc, nil
}
