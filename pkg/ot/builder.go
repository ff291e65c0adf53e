package ot

// Builder accumulates operations in canonical form: adjacent operations of
// the same type and attributes merge, and an insert that follows a delete is
// placed before it.
type Builder struct {
	ops []Operation
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Insert appends an insert of s. An empty s is a no-op.
func (b *Builder) Insert(s string, attrs Attributes) *Builder {
	if s == "" {
		return b
	}
	return b.Push(Insert(s, attrs))
}

// Delete appends a delete of n runes. n <= 0 is a no-op.
func (b *Builder) Delete(n int) *Builder {
	if n <= 0 {
		return b
	}
	return b.Push(Delete(n))
}

// Retain appends a retain of n runes. n <= 0 is a no-op.
func (b *Builder) Retain(n int, attrs Attributes) *Builder {
	if n <= 0 {
		return b
	}
	return b.Push(Retain(n, attrs))
}

// Push appends op, merging it into the tail where the canonical form allows.
// Unset markers are dropped from inserts, content never carries them.
func (b *Builder) Push(op Operation) *Builder {
	if op.Len() <= 0 {
		return b
	}
	if op.Type == OpInsert {
		op.Attrs = op.Attrs.withoutUnset()
	}
	if op.Attrs.IsEmpty() {
		op.Attrs = nil
	}
	n := len(b.ops)
	if n == 0 {
		b.ops = append(b.ops, op)
		return b
	}
	last := &b.ops[n-1]
	if last.Type == OpDelete && op.Type == OpDelete {
		last.Length += op.Length
		return b
	}
	if last.Type == OpDelete && op.Type == OpInsert {
		// Inserts go before deletes at the same position.
		if n >= 2 && b.ops[n-2].Type == OpInsert && b.ops[n-2].Attrs.Equal(op.Attrs) {
			b.ops[n-2].Content += op.Content
			return b
		}
		b.ops = append(b.ops, Operation{})
		copy(b.ops[n:], b.ops[n-1:n])
		b.ops[n-1] = op
		return b
	}
	if last.Attrs.Equal(op.Attrs) {
		switch {
		case last.Type == OpInsert && op.Type == OpInsert:
			last.Content += op.Content
			return b
		case last.Type == OpRetain && op.Type == OpRetain:
			last.Length += op.Length
			return b
		}
	}
	b.ops = append(b.ops, op)
	return b
}

// Trim drops one trailing plain retain.
func (b *Builder) Trim() *Builder {
	if n := len(b.ops); n > 0 && b.ops[n-1].IsPlain() {
		b.ops = b.ops[:n-1]
	}
	return b
}

// Build trims the builder and returns the delta. The builder must not be
// used afterwards.
func (b *Builder) Build() Delta {
	b.Trim()
	ops := b.ops
	b.ops = nil
	return Delta{Ops: ops}
}
