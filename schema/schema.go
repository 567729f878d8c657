// Package schema describes how the bytes of a data block map to named
// process signals. A Schema is a plain table of fields; a View evaluates that
// table against a live buffer on every access.
package schema

import (
	"fmt"
	"sort"
	"sync"

	"plcmonitor/decode"
)

// Kind is the encoding of a field inside the buffer.
type Kind int

const (
	KindBool Kind = iota // single bit
	KindWord             // unsigned 16-bit big-endian
)

// String returns the kind name used in JSON output.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindWord:
		return "word"
	default:
		return "unknown"
	}
}

// Field locates one signal in the buffer.
// Bit is ignored for KindWord fields.
type Field struct {
	Name string
	Kind Kind
	Byte int
	Bit  int
}

// Rule selects how a Derived signal is computed from its options.
type Rule int

const (
	// FirstSet yields the Value of the first option whose field is set,
	// or Default when none is.
	FirstSet Rule = iota
	// AnySet yields true when any option field is set.
	AnySet
)

// Option pairs a bool field with the value a Derived signal takes when it is set.
type Option struct {
	Field string
	Value string
}

// Derived is a signal computed from bool fields rather than read directly.
type Derived struct {
	Name    string
	Rule    Rule
	Options []Option
	Default string
}

// Schema is a named, ordered table of fields over a data block.
type Schema struct {
	Name        string
	Description string
	Fields      []Field
	Derived     []Derived
}

// MinSize returns the smallest buffer length that covers every field.
func (s *Schema) MinSize() int {
	n := 0
	for _, f := range s.Fields {
		end := f.Byte + 1
		if f.Kind == KindWord {
			end = f.Byte + 2
		}
		if end > n {
			n = end
		}
	}
	return n
}

// Fits reports whether a data block of amount bytes can back this schema.
func (s *Schema) Fits(amount int) error {
	if need := s.MinSize(); amount < need {
		return fmt.Errorf("schema %q needs at least %d bytes, data block has %d", s.Name, need, amount)
	}
	return nil
}

// Field returns the field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks the table itself: unique names, sane positions, and
// derived options that refer to existing bool fields.
func (s *Schema) Validate() error {
	seen := make(map[string]bool, len(s.Fields)+len(s.Derived))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Byte < 0 {
			return fmt.Errorf("schema %q: field %q has negative byte offset", s.Name, f.Name)
		}
		if f.Kind == KindBool && (f.Bit < 0 || f.Bit > 7) {
			return fmt.Errorf("schema %q: field %q bit %d out of range", s.Name, f.Name, f.Bit)
		}
	}
	for _, d := range s.Derived {
		if seen[d.Name] {
			return fmt.Errorf("schema %q: duplicate signal %q", s.Name, d.Name)
		}
		seen[d.Name] = true
		for _, opt := range d.Options {
			f, ok := s.Field(opt.Field)
			if !ok || f.Kind != KindBool {
				return fmt.Errorf("schema %q: derived %q refers to unknown bool field %q", s.Name, d.Name, opt.Field)
			}
		}
	}
	return nil
}

// Signal is one evaluated signal value.
type Signal struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// View evaluates a schema against a buffer. It holds no decoded state, so
// every accessor reflects the buffer contents at the time of the call.
type View struct {
	schema *Schema
	buf    []byte
}

// NewView binds s to buf. The buffer must be at least s.MinSize() bytes;
// accessors panic otherwise.
func NewView(s *Schema, buf []byte) View {
	return View{schema: s, buf: buf}
}

// Schema returns the schema backing the view.
func (v View) Schema() *Schema { return v.schema }

// Bool returns the named bool field.
func (v View) Bool(name string) bool {
	f := v.mustField(name, KindBool)
	return decode.GetBit(v.buf, f.Byte, f.Bit)
}

// Word returns the named word field.
func (v View) Word(name string) uint16 {
	f := v.mustField(name, KindWord)
	return decode.GetWord(v.buf, f.Byte)
}

// Derived returns the value of the named derived signal. AnySet rules
// yield "true" or "false".
func (v View) Derived(name string) string {
	for _, d := range v.schema.Derived {
		if d.Name == name {
			return v.evalDerived(d)
		}
	}
	panic(fmt.Sprintf("schema %q: no derived signal %q", v.schema.Name, name))
}

func (v View) evalDerived(d Derived) string {
	switch d.Rule {
	case AnySet:
		for _, opt := range d.Options {
			if v.Bool(opt.Field) {
				return "true"
			}
		}
		return "false"
	default:
		for _, opt := range d.Options {
			if v.Bool(opt.Field) {
				return opt.Value
			}
		}
		return d.Default
	}
}

// Signals evaluates every field and derived signal, in table order.
// AnySet signals are reported as bool.
func (v View) Signals() []Signal {
	out := make([]Signal, 0, len(v.schema.Fields)+len(v.schema.Derived))
	for _, f := range v.schema.Fields {
		switch f.Kind {
		case KindBool:
			out = append(out, Signal{Name: f.Name, Value: decode.GetBit(v.buf, f.Byte, f.Bit)})
		case KindWord:
			out = append(out, Signal{Name: f.Name, Value: decode.GetWord(v.buf, f.Byte)})
		}
	}
	for _, d := range v.schema.Derived {
		val := v.evalDerived(d)
		if d.Rule == AnySet {
			out = append(out, Signal{Name: d.Name, Value: val == "true"})
			continue
		}
		out = append(out, Signal{Name: d.Name, Value: val})
	}
	return out
}

func (v View) mustField(name string, kind Kind) Field {
	f, ok := v.schema.Field(name)
	if !ok {
		panic(fmt.Sprintf("schema %q: no field %q", v.schema.Name, name))
	}
	if f.Kind != kind {
		panic(fmt.Sprintf("schema %q: field %q is %s, not %s", v.schema.Name, name, f.Kind, kind))
	}
	return f
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*Schema{}
)

// Register adds a schema to the process-wide table. It replaces any schema
// with the same name.
func Register(s *Schema) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("schema must have a name")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	registry[s.Name] = s
	registryMu.Unlock()
	return nil
}

// Lookup returns the registered schema with the given name.
func Lookup(name string) (*Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// Names returns the registered schema names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	for _, s := range []*Schema{LevelControl, Dispensing} {
		if err := Register(s); err != nil {
			panic(err)
		}
	}
}
