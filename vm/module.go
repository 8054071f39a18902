package vm

import "fmt"

// ---------------------------------------------------------------------------
// Compiled modules
// ---------------------------------------------------------------------------

// FunctionInfo describes one executable function of a compiled module. The
// interpreter front end supplies Body; the runtime addresses it by Index
// in task continuations, so indexes must be stable across snapshot and
// restore of the same module set.
type FunctionInfo struct {
	Index uint32
	Name  string
	Body  TaskBody
}

// GlobalDef declares a module global. Init runs once per context the
// module is bound to and may allocate on that context's heap.
type GlobalDef struct {
	Name string
	Init func(ctx *Context) (Value, error)
}

// CompiledModule is the loadable unit produced by the compiler front end:
// user types, functions, and global initializers. Registering a module
// populates the runtime's shared type and function tables; binding it to a
// context populates that context's globals.
type CompiledModule struct {
	Name    string
	Version string

	Types     []TypeInfo
	Functions []FunctionInfo
	Globals   []GlobalDef
}

// RegisterModule installs a module's types and functions into the
// runtime's shared tables. Module names and function indexes must be
// unique; type registration follows the type registry's rules.
func (rt *Runtime) RegisterModule(m *CompiledModule) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.modules[m.Name]; ok {
		return fmt.Errorf("%w: %q", ErrModuleExists, m.Name)
	}
	for _, fn := range m.Functions {
		if _, ok := rt.funcs[fn.Index]; ok {
			return fmt.Errorf("function index %d of module %q already registered", fn.Index, m.Name)
		}
	}
	for i := range m.Types {
		if err := rt.types.Register(&m.Types[i]); err != nil {
			return fmt.Errorf("module %q: %w", m.Name, err)
		}
	}
	for _, fn := range m.Functions {
		if fn.Body == nil {
			return fmt.Errorf("function %q (index %d) of module %q has no body", fn.Name, fn.Index, m.Name)
		}
		rt.funcs[fn.Index] = fn.Body
	}
	rt.modules[m.Name] = m
	rt.log.Infof("registered module %q: %d types, %d functions", m.Name, len(m.Types), len(m.Functions))
	return nil
}

// Module returns a registered module by name.
func (rt *Runtime) Module(name string) (*CompiledModule, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.modules[name]
	return m, ok
}

// ModuleNames returns the names of all registered modules.
func (rt *Runtime) ModuleNames() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	names := make([]string, 0, len(rt.modules))
	for name := range rt.modules {
		names = append(names, name)
	}
	return names
}

// BindModule runs a registered module's global initializers against ctx,
// installing the results as context globals.
func (rt *Runtime) BindModule(ctx *Context, name string) error {
	rt.mu.Lock()
	m, ok := rt.modules[name]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("module %q not registered", name)
	}
	for _, g := range m.Globals {
		v := Null
		if g.Init != nil {
			var err error
			v, err = g.Init(ctx)
			if err != nil {
				return fmt.Errorf("module %q global %q: %w", name, g.Name, err)
			}
		}
		ctx.SetGlobal(g.Name, v)
	}
	return nil
}
