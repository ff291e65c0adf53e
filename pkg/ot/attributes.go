package ot

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Value is a formatting attribute value. The zero Value is the unset marker,
// which explicitly removes a key instead of inheriting it.
type Value struct {
	s   string
	set bool
	// raw values hold a JSON literal such as 12 or true, written back
	// unquoted.
	raw bool
}

// Unset removes an attribute when composed onto content.
var Unset = Value{}

// String returns a Value holding s.
func String(s string) Value {
	return Value{s: s, set: true}
}

// Literal returns a Value holding the JSON literal text, e.g. "12" or
// "true", which encodes without quotes.
func Literal(text string) Value {
	return Value{s: text, set: true, raw: true}
}

// Bool returns the "true"/"false" Value used by toggle attributes such as bold.
func Bool(b bool) Value {
	if b {
		return String("true")
	}
	return String("false")
}

// IsUnset reports whether v is the unset marker.
func (v Value) IsUnset() bool { return !v.set }

// Str returns the held string, or "" for the unset marker.
func (v Value) Str() string { return v.s }

// Equal reports whether two values are identical.
func (v Value) Equal(o Value) bool { return v.set == o.set && v.raw == o.raw && v.s == o.s }

func (v Value) String() string {
	if !v.set {
		return "<unset>"
	}
	return v.s
}

// Attr is one key/value pair of an attribute set.
type Attr struct {
	Key   string
	Value Value
}

// Attributes is an ordered attribute set, sorted by key with unique keys.
// Attributes values are immutable: every operation returns a new set.
type Attributes []Attr

// NewAttributes builds a set from key/value pairs. Later pairs win.
func NewAttributes(pairs ...Attr) Attributes {
	var out Attributes
	for _, p := range pairs {
		out = out.With(p.Key, p.Value)
	}
	return out
}

// Len returns the number of keys.
func (a Attributes) Len() int { return len(a) }

// IsEmpty reports whether a has no keys.
func (a Attributes) IsEmpty() bool { return len(a) == 0 }

func (a Attributes) index(key string) (int, bool) {
	i := sort.Search(len(a), func(i int) bool { return a[i].Key >= key })
	return i, i < len(a) && a[i].Key == key
}

// Get returns the value stored for key.
func (a Attributes) Get(key string) (Value, bool) {
	i, ok := a.index(key)
	if !ok {
		return Value{}, false
	}
	return a[i].Value, true
}

// With returns a copy of a with key set to v.
func (a Attributes) With(key string, v Value) Attributes {
	i, ok := a.index(key)
	out := make(Attributes, 0, len(a)+1)
	out = append(out, a[:i]...)
	out = append(out, Attr{Key: key, Value: v})
	if ok {
		i++
	}
	return append(out, a[i:]...)
}

// Without returns a copy of a with key removed.
func (a Attributes) Without(key string) Attributes {
	i, ok := a.index(key)
	if !ok {
		return a
	}
	out := make(Attributes, 0, len(a)-1)
	out = append(out, a[:i]...)
	return append(out, a[i+1:]...)
}

// Equal reports whether both sets hold the same keys and values.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !a[i].Value.Equal(b[i].Value) {
			return false
		}
	}
	return true
}

// withoutUnset drops every unset marker.
func (a Attributes) withoutUnset() Attributes {
	var out Attributes
	for _, kv := range a {
		if !kv.Value.IsUnset() {
			out = append(out, kv)
		}
	}
	return out
}

// Merge is the right-biased union of a and b: keys of b win on collision.
func Merge(a, b Attributes) Attributes {
	return ComposeAttributes(a, b, true)
}

// ComposeAttributes applies b on top of a. With keepUnset=false the unset
// markers are resolved away, which is what content (inserts) needs; retains
// keep them so the removal still reaches the document.
func ComposeAttributes(a, b Attributes, keepUnset bool) Attributes {
	out := make(Attributes, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].Key < b[j].Key):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j].Key < a[i].Key:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	if !keepUnset {
		out = out.withoutUnset()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DiffAttributes returns the attributes that turn a into b.
func DiffAttributes(a, b Attributes) Attributes {
	var out Attributes
	for _, kv := range a {
		if v, ok := b.Get(kv.Key); !ok {
			out = append(out, Attr{Key: kv.Key, Value: Unset})
		} else if !v.Equal(kv.Value) {
			out = append(out, Attr{Key: kv.Key, Value: v})
		}
	}
	for _, kv := range b {
		if _, ok := a.Get(kv.Key); !ok {
			out = out.With(kv.Key, kv.Value)
		}
	}
	return out
}

// InvertAttributes returns the attributes that undo attr applied over base.
func InvertAttributes(attr, base Attributes) Attributes {
	var out Attributes
	for _, kv := range base {
		if v, ok := attr.Get(kv.Key); ok && !v.Equal(kv.Value) {
			out = append(out, kv)
		}
	}
	for _, kv := range attr {
		if _, ok := base.Get(kv.Key); !ok {
			out = out.With(kv.Key, Unset)
		}
	}
	return out
}

// TransformAttributes rewrites b so it applies after a. When a has priority
// its keys win and are dropped from b.
func TransformAttributes(a, b Attributes, priority bool) Attributes {
	if !priority {
		return b
	}
	var out Attributes
	for _, kv := range b {
		if _, ok := a.Get(kv.Key); !ok {
			out = append(out, kv)
		}
	}
	return out
}

// MarshalJSON encodes the set as an object in key order; unset is null.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		if kv.Value.IsUnset() {
			buf.WriteString("null")
			continue
		}
		if kv.Value.raw {
			buf.WriteString(kv.Value.s)
			continue
		}
		v, err := json.Marshal(kv.Value.s)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object of string (or null) values. Numbers and
// booleans are kept as literals so they encode back unchanged; nested
// objects and arrays are rejected.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Attributes
	for k, v := range raw {
		switch {
		case bytes.Equal(v, []byte("null")):
			out = out.With(k, Unset)
		case len(v) > 0 && v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = out.With(k, String(s))
		case len(v) > 0 && (v[0] == '{' || v[0] == '['):
			return errors.Errorf("attribute %q: value must be a string, number or boolean", k)
		default:
			out = out.With(k, Literal(string(bytes.TrimSpace(v))))
		}
	}
	*a = out
	return nil
}
