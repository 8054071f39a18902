package vm

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Capability System
// ---------------------------------------------------------------------------

// Capability is a named host-provided operation injected into a context at
// creation. Capabilities are the sole sanctioned channel by which contained
// code affects the outside world; a context with an empty capability set
// is fully sealed.
type Capability interface {
	// Name returns the capability's invocation name, e.g. "log" or "clock".
	Name() string

	// Invoke runs the capability. Arguments and result are Values owned by
	// the invoking context's heap.
	Invoke(ctx *Context, args []Value) (Value, error)

	// Description is a short human-readable summary for introspection.
	Description() string
}

// CapabilitySet holds a context's capabilities. It is built once at context
// creation and immutable afterwards, so lookups need no locking.
type CapabilitySet struct {
	caps map[string]Capability
}

// NewCapabilitySet builds an immutable set from the given capabilities.
// Later entries with a duplicate name win.
func NewCapabilitySet(caps []Capability) *CapabilitySet {
	m := make(map[string]Capability, len(caps))
	for _, c := range caps {
		m[c.Name()] = c
	}
	return &CapabilitySet{caps: m}
}

// Get returns the named capability, or nil.
func (s *CapabilitySet) Get(name string) Capability {
	if s == nil {
		return nil
	}
	return s.caps[name]
}

// Has reports whether the named capability exists.
func (s *CapabilitySet) Has(name string) bool {
	return s.Get(name) != nil
}

// Names returns all capability names.
func (s *CapabilitySet) Names() []string {
	names := make([]string, 0, len(s.caps))
	for name := range s.caps {
		names = append(names, name)
	}
	return names
}

// Len returns the number of capabilities in the set.
func (s *CapabilitySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.caps)
}

// ---------------------------------------------------------------------------
// Built-in capabilities
// ---------------------------------------------------------------------------

// LogCapability lets contained code emit log messages through the host's
// logger, prefixed so output is attributable to the sandbox.
type LogCapability struct {
	prefix string
	log    commonlog.Logger
}

// NewLogCapability creates a log capability with the given prefix.
func NewLogCapability(prefix string) *LogCapability {
	return &LogCapability{
		prefix: prefix,
		log:    commonlog.GetLogger("tern.sandbox"),
	}
}

func (c *LogCapability) Name() string        { return "log" }
func (c *LogCapability) Description() string { return "emit a message through the host logger" }

func (c *LogCapability) Invoke(ctx *Context, args []Value) (Value, error) {
	if len(args) != 1 {
		return Null, fmt.Errorf("log: expected 1 argument, got %d", len(args))
	}
	c.log.Infof("[%s] %s", c.prefix, formatValue(args[0]))
	return Null, nil
}

// ClockCapability exposes wall-clock time as milliseconds since the Unix
// epoch.
type ClockCapability struct{}

func (ClockCapability) Name() string        { return "clock" }
func (ClockCapability) Description() string { return "current wall-clock time in epoch millis" }

func (ClockCapability) Invoke(ctx *Context, args []Value) (Value, error) {
	return FromFloat64(float64(time.Now().UnixMilli())), nil
}

// RandCapability exposes a uniform float in [0, 1).
type RandCapability struct{}

func (RandCapability) Name() string        { return "rand" }
func (RandCapability) Description() string { return "uniform random float in [0, 1)" }

func (RandCapability) Invoke(ctx *Context, args []Value) (Value, error) {
	return FromFloat64(rand.Float64()), nil
}

// FuncCapability adapts a plain function into a Capability. Hosts use it to
// inject one-off operations without declaring a type.
type FuncCapability struct {
	CapName string
	Desc    string
	Fn      func(ctx *Context, args []Value) (Value, error)
}

func (c *FuncCapability) Name() string        { return c.CapName }
func (c *FuncCapability) Description() string { return c.Desc }

func (c *FuncCapability) Invoke(ctx *Context, args []Value) (Value, error) {
	return c.Fn(ctx, args)
}

// formatValue renders a value for logging. Heap values print their string
// payload when they have one, otherwise their type id.
func formatValue(v Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.IsBool():
		return fmt.Sprintf("%t", v.Bool())
	case v.IsInt():
		return fmt.Sprintf("%d", v.Int32())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	case v.IsObject():
		obj := v.Object()
		if obj.TypeID() == TypeIDString {
			return obj.String()
		}
		return fmt.Sprintf("<object type=%d slots=%d>", obj.TypeID(), obj.NumSlots())
	default:
		return "<?>"
	}
}
