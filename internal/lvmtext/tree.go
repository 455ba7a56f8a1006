// Package lvmtext implements the LVM textual metadata tree and the
// structural rotation of spec.md §4.7/§9: re-architecting the source's
// Augeas path-expression edits as an ordinary parse-tree transform.
// RotateLV does not itself undo a rotation or compare trees; the
// forward-then-backward round trip (property P2) is checked by this
// package's tests.
//
// The tree shape is modeled on other_examples/project-machine-disko's
// PV/VG/LV value types. List-typed values (`status = [...]`,
// `stripes = ["pv0", 3]`) are backed by github.com/benbjohnson/immutable's
// List rather than a plain slice. Section itself is an ordinary mutable
// map/slice structure; Clone does a recursive deep copy so a rotation
// mutates a working copy and leaves the original tree untouched.
package lvmtext

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/benbjohnson/immutable"
)

// Value is one scalar value in the LVM text format: a string, an
// int64, or a list of Values (used for both string lists like
// `status = [...]` and mixed lists like `stripes = ["pv0", 3]`).
type Value struct {
	Str    string
	Int    int64
	IsStr  bool
	IsList bool
	List   *immutable.List[Value]
}

func StrVal(s string) Value { return Value{Str: s, IsStr: true} }
func IntVal(i int64) Value  { return Value{Int: i} }
func ListVal(vs ...Value) Value {
	b := immutable.NewListBuilder[Value]()
	for _, v := range vs {
		b.Append(v)
	}
	return Value{IsList: true, List: b.List()}
}

func (v Value) String() string {
	switch {
	case v.IsList:
		parts := make([]string, 0, v.List.Len())
		itr := v.List.Iterator()
		for !itr.Done() {
			_, item := itr.Next()
			parts = append(parts, item.render())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case v.IsStr:
		return strconv.Quote(v.Str)
	default:
		return strconv.FormatInt(v.Int, 10)
	}
}

func (v Value) render() string { return v.String() }

// Section is an ordered map of field name to Value-or-Section, matching
// the nested-brace shape of LVM's text config
// (`logical_volumes { mylv { segment1 { ... } } }`). Field order is
// preserved so serialization round-trips byte-for-byte.
type Section struct {
	Name     string // empty for the anonymous root section
	keys     []string
	fields   map[string]Value
	children map[string]*Section
	isChild  map[string]bool // true if keys[i] names a child Section, false if a Value
}

func NewSection(name string) *Section {
	return &Section{
		Name:     name,
		fields:   map[string]Value{},
		children: map[string]*Section{},
		isChild:  map[string]bool{},
	}
}

// Clone returns a deep copy of s, used before any structural edit so the
// caller's original tree is never mutated (spec.md §9's "re-architect ...
// perform the rotation on the tree with ordinary operations").
func (s *Section) Clone() *Section {
	c := NewSection(s.Name)
	c.keys = append([]string(nil), s.keys...)
	for k, v := range s.fields {
		c.fields[k] = v
	}
	for k, v := range s.children {
		c.children[k] = v.Clone()
	}
	for k, v := range s.isChild {
		c.isChild[k] = v
	}
	return c
}

func (s *Section) SetValue(key string, v Value) {
	if _, ok := s.fields[key]; !ok && !s.isChild[key] {
		s.keys = append(s.keys, key)
	}
	s.isChild[key] = false
	s.fields[key] = v
	delete(s.children, key)
}

func (s *Section) SetInt(key string, v int64)    { s.SetValue(key, IntVal(v)) }
func (s *Section) SetStr(key string, v string)    { s.SetValue(key, StrVal(v)) }

func (s *Section) Int(key string) int64 {
	return s.fields[key].Int
}

func (s *Section) Str(key string) string {
	return s.fields[key].Str
}

func (s *Section) Value(key string) Value { return s.fields[key] }

func (s *Section) Child(key string) *Section { return s.children[key] }

func (s *Section) SetChild(key string, child *Section) {
	if !s.isChild[key] {
		if _, ok := s.fields[key]; !ok {
			s.keys = append(s.keys, key)
		}
	}
	s.isChild[key] = true
	child.Name = key
	s.children[key] = child
	delete(s.fields, key)
}

// RemoveKey deletes key (value or child) from s, preserving the relative
// order of the remaining keys.
func (s *Section) RemoveKey(key string) {
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	delete(s.fields, key)
	delete(s.children, key)
	delete(s.isChild, key)
}

// RenameKey renames key from old to new in place, preserving position.
func (s *Section) RenameKey(oldKey, newKey string) {
	for i, k := range s.keys {
		if k == oldKey {
			s.keys[i] = newKey
			break
		}
	}
	if s.isChild[oldKey] {
		child := s.children[oldKey]
		delete(s.children, oldKey)
		child.Name = newKey
		s.children[newKey] = child
	} else {
		s.fields[newKey] = s.fields[oldKey]
		delete(s.fields, oldKey)
	}
	s.isChild[newKey] = s.isChild[oldKey]
	delete(s.isChild, oldKey)
}

// InsertChildAfter inserts child under key newKey, immediately after
// afterKey in iteration order (or at the start if afterKey is "").
func (s *Section) InsertChildAfter(afterKey, newKey string, child *Section) {
	child.Name = newKey
	s.children[newKey] = child
	s.isChild[newKey] = true
	if afterKey == "" {
		s.keys = append([]string{newKey}, s.keys...)
		return
	}
	for i, k := range s.keys {
		if k == afterKey {
			rest := append([]string{newKey}, s.keys[i+1:]...)
			s.keys = append(s.keys[:i+1], rest...)
			return
		}
	}
	s.keys = append(s.keys, newKey)
}

// Keys returns the ordered field/child names at this level.
func (s *Section) Keys() []string { return append([]string(nil), s.keys...) }

// Equal reports whether s and o serialize identically, the structural
// equality test property P2 relies on ("a tree byte-identical to the
// input").
func (s *Section) Equal(o *Section) bool {
	return Serialize(s) == Serialize(o)
}

// Serialize renders a Section tree back into LVM text-format config. It
// writes only the tree's own keys; the root gets no added header.
func Serialize(root *Section) string {
	var b strings.Builder
	writeSectionBody(&b, root, 0)
	return b.String()
}

func writeSectionBody(b *strings.Builder, s *Section, indent int) {
	pad := strings.Repeat("    ", indent)
	for _, k := range s.keys {
		if s.isChild[k] {
			child := s.children[k]
			fmt.Fprintf(b, "%s%s {\n", pad, k)
			writeSectionBody(b, child, indent+1)
			fmt.Fprintf(b, "%s}\n", pad)
		} else {
			fmt.Fprintf(b, "%s%s = %s\n", pad, k, s.fields[k].String())
		}
	}
}

// sortedKeys is a small helper kept for callers that want deterministic
// iteration independent of insertion order (diagnostics only; the tree
// itself always preserves insertion order for serialization).
func sortedKeys(m map[string]Value) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
