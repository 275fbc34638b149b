package meow

import (
	"testing"

	"go.uber.org/zap"
)

// Shared test scaffolding: machines with small GC thresholds, protos
// assembled through ChunkWriter, throwaway modules.

func nopLogger() *zap.Logger { return zap.NewNop() }

func testMachine(t *testing.T, opts ...MachineOption) *Machine {
	t.Helper()
	return NewMachine(opts...)
}

// buildProto assembles a proto with the given register count.
func buildProto(h *Heap, registers int, fill func(w *ChunkWriter)) *Proto {
	w := NewChunkWriter()
	fill(w)
	return w.Build(h, registers, 0, nil, nil)
}

// buildNamedProto assembles a proto with upvalue descriptors.
func buildNamedProto(h *Heap, registers, upvalues int, name string, descs []UpvalueDesc, fill func(w *ChunkWriter)) *Proto {
	w := NewChunkWriter()
	fill(w)
	return w.Build(h, registers, upvalues, h.NewString(name), descs)
}

// testModule wraps a main proto in a module registered with the manager so
// the module (and everything it references) is a GC root.
func testModule(m *Machine, name string, main *Proto) *Module {
	h := m.Heap()
	path := h.NewString(name)
	mod := h.NewModule(path, path)
	if main != nil {
		mod.SetMainProto(main)
	}
	m.Modules().Register(path, mod)
	return mod
}

// mustRun executes a proto and fails the test on a VM error.
func mustRun(t *testing.T, m *Machine, p *Proto) Value {
	t.Helper()
	v, err := m.ExecuteProto(p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return v
}
