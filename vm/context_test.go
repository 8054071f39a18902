package vm

import (
	"errors"
	"testing"
)

func TestContext_DefaultsAndStats(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	c := rt.CreateContext(ContextOptions{})

	if c.Limits().MaxHeapBytes != DefaultMaxHeapBytes {
		t.Errorf("default heap limit: got %d, want %d", c.Limits().MaxHeapBytes, DefaultMaxHeapBytes)
	}
	if _, err := c.AllocateString("x"); err != nil {
		t.Fatalf("AllocateString: %v", err)
	}
	stats := c.Stats()
	if stats.HeapBytesUsed == 0 {
		t.Error("stats should reflect heap usage")
	}
	if stats.LiveObjects != 1 {
		t.Errorf("live objects: got %d, want 1", stats.LiveObjects)
	}
}

func TestContext_UnlimitedHeap(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	c := rt.CreateContext(ContextOptions{UnlimitedHeap: true})
	if c.Heap().MaxBytes() != 0 {
		t.Errorf("unlimited heap should carry no ceiling, got %d", c.Heap().MaxBytes())
	}
}

func TestContext_RegistryLookup(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	a := rt.CreateContext(ContextOptions{})
	b := rt.CreateContext(ContextOptions{})
	if a.ID() == b.ID() {
		t.Fatal("context ids must be unique")
	}

	got, err := rt.Context(a.ID())
	if err != nil || got != a {
		t.Errorf("lookup: got %v, %v", got, err)
	}
	if _, err := rt.Context(ContextID(9999)); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("missing context: got %v, want ErrContextNotFound", err)
	}
}

func TestContext_Terminate(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	c := rt.CreateContext(ContextOptions{})
	if _, err := c.AllocateString("gone"); err != nil {
		t.Fatalf("AllocateString: %v", err)
	}
	if err := rt.TerminateContext(c.ID()); err != nil {
		t.Fatalf("TerminateContext: %v", err)
	}
	if _, err := rt.Context(c.ID()); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("lookup after termination: got %v, want ErrContextNotFound", err)
	}
	if c.Heap().AllocationCount() != 0 {
		t.Error("termination should release the heap")
	}
	if err := rt.TerminateContext(c.ID()); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("double termination: got %v, want ErrContextNotFound", err)
	}
}

func TestContext_TerminateCancelsTasks(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	if err := rt.RegisterModule(&CompiledModule{
		Name: "victim",
		Functions: []FunctionInfo{{Index: 1, Name: "idle", Body: func(*Context, *Task) (TaskStatus, error) {
			return StatusYield, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}
	c := rt.CreateContext(ContextOptions{})
	task, err := rt.Spawn(c.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := rt.TerminateContext(c.ID()); err != nil {
		t.Fatalf("TerminateContext: %v", err)
	}
	select {
	case <-task.Done():
	default:
		t.Fatal("owned task not cancelled by termination")
	}
	if task.State() != TaskCancelled {
		t.Errorf("state: got %s, want cancelled", task.State())
	}
}

func TestContext_Capabilities(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	echo := &FuncCapability{
		CapName: "echo",
		Desc:    "returns its argument",
		Fn: func(ctx *Context, args []Value) (Value, error) {
			return args[0], nil
		},
	}
	c := rt.CreateContext(ContextOptions{Capabilities: []Capability{echo, NewLogCapability("test")}})

	got, err := c.InvokeCapability("echo", []Value{FromInt32(5)})
	if err != nil {
		t.Fatalf("InvokeCapability: %v", err)
	}
	if got != FromInt32(5) {
		t.Errorf("echo: got %v, want 5", got)
	}

	if _, err := c.InvokeCapability("network", nil); !errors.Is(err, ErrCapabilityNotFound) {
		t.Errorf("ungranted capability: got %v, want ErrCapabilityNotFound", err)
	}
	if !c.Capabilities().Has("log") {
		t.Error("granted capability missing from set")
	}
	if c.Capabilities().Len() != 2 {
		t.Errorf("capability count: got %d, want 2", c.Capabilities().Len())
	}
}

// TestContext_CapabilitySetIsFixed: parenthood confers nothing; a child
// context holds exactly the grants it was created with.
func TestContext_CapabilitySetIsFixed(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	parent := rt.CreateContext(ContextOptions{Capabilities: []Capability{NewLogCapability("parent")}})
	child := rt.CreateContext(ContextOptions{Parent: parent.ID()})

	if child.Parent() != parent.ID() {
		t.Errorf("parent id: got %d, want %d", child.Parent(), parent.ID())
	}
	if _, err := child.InvokeCapability("log", []Value{Null}); !errors.Is(err, ErrCapabilityNotFound) {
		t.Errorf("child inherited a capability: %v", err)
	}
}

func TestContext_GlobalRoundTrip(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	c := rt.CreateContext(ContextOptions{})
	c.SetGlobal("answer", FromInt32(42))
	v, ok := c.Global("answer")
	if !ok || v != FromInt32(42) {
		t.Errorf("global: got %v/%t", v, ok)
	}
	if _, ok := c.Global("missing"); ok {
		t.Error("missing global reported present")
	}
}
