package ot

import "math"

// infinity is the length of the implicit retain past the last operation.
const infinity = math.MaxInt

// opIterator walks a delta one piece at a time. Past the end it yields an
// endless plain retain, so deltas whose trailing retain was trimmed still
// line up against longer ones.
type opIterator struct {
	ops    []Operation
	index  int
	offset int
}

func newIterator(ops []Operation) *opIterator {
	return &opIterator{ops: ops}
}

func (it *opIterator) hasNext() bool {
	return it.peekLen() < infinity
}

func (it *opIterator) peekType() OpType {
	if it.index < len(it.ops) {
		return it.ops[it.index].Type
	}
	return OpRetain
}

func (it *opIterator) peekLen() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return infinity
}

// next consumes up to n runes of the current operation.
func (it *opIterator) next(n int) Operation {
	if it.index >= len(it.ops) {
		return Retain(n, nil)
	}
	op := it.ops[it.index]
	if it.offset > 0 {
		_, op = op.split(it.offset)
	}
	if n >= op.Len() {
		it.index++
		it.offset = 0
		return op
	}
	head, _ := op.split(n)
	it.offset += n
	return head
}

// nextAll consumes the rest of the current operation.
func (it *opIterator) nextAll() Operation {
	return it.next(infinity)
}

// rest returns every operation not consumed yet.
func (it *opIterator) rest() []Operation {
	if it.index >= len(it.ops) {
		return nil
	}
	if it.offset == 0 {
		return it.ops[it.index:]
	}
	out := []Operation{it.next(infinity)}
	return append(out, it.ops[it.index:]...)
}
