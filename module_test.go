package meow

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cyclic import safety: A imports B while B imports A. Both terminate in
// the executed state, and the exports B observes from A are exactly those
// A installed before reaching its import of B.
func TestCyclicImports(t *testing.T) {
	var m *Machine

	loader := func(mm *Machine, path, importer string) (*Module, error) {
		h := mm.Heap()
		ps := h.NewString(path)
		mod := h.NewModule(ps, ps)

		switch path {
		case "A":
			main := buildProto(h, 4, func(w *ChunkWriter) {
				a1K := w.Const(ObjectValue(&h.NewString("a1").Object))
				a2K := w.Const(ObjectValue(&h.NewString("a2").Object))
				bK := w.Const(ObjectValue(&h.NewString("B").Object))
				w.Op(OpLoadInt).U16(0).I64(1)
				w.Op(OpExport).U16(a1K).U16(0)
				w.Op(OpImportModule).U16(1).U16(bK)
				w.Op(OpLoadInt).U16(2).I64(2)
				w.Op(OpExport).U16(a2K).U16(2)
				w.Op(OpReturn).U16(0xFFFF)
			})
			mod.SetMainProto(main)
		case "B":
			main := buildProto(h, 4, func(w *ChunkWriter) {
				aK := w.Const(ObjectValue(&h.NewString("A").Object))
				a1K := w.Const(ObjectValue(&h.NewString("a1").Object))
				sawK := w.Const(ObjectValue(&h.NewString("b_saw").Object))
				w.Op(OpImportModule).U16(0).U16(aK)
				w.Op(OpGetExport).U16(1).U16(0).U16(a1K)
				w.Op(OpExport).U16(sawK).U16(1)
				w.Op(OpReturn).U16(0xFFFF)
			})
			mod.SetMainProto(main)
		default:
			return nil, errors.Errorf("unknown module %q", path)
		}
		return mod, nil
	}

	m = testMachine(t, WithLoader(loader))
	h := m.Heap()

	root := buildProto(h, 2, func(w *ChunkWriter) {
		aK := w.Const(ObjectValue(&h.NewString("A").Object))
		w.Op(OpImportModule).U16(0).U16(aK)
		w.Op(OpReturn).U16(0)
	})
	rootMod := testModule(m, "root", root)

	v, err := m.Interpret(rootMod)
	require.NoError(t, err)
	require.True(t, v.IsModule())

	modA, ok := m.Modules().Loaded(h.NewString("A"))
	require.True(t, ok)
	modB, ok := m.Modules().Loaded(h.NewString("B"))
	require.True(t, ok)

	assert.Equal(t, ModuleExecuted, modA.State())
	assert.Equal(t, ModuleExecuted, modB.State())

	// B ran mid-way through A: it saw a1 but a2 did not exist yet.
	saw, ok := modB.Export(h.NewString("b_saw"))
	require.True(t, ok)
	assert.EqualValues(t, 1, saw.AsInt())

	_, hasA2 := modA.Export(h.NewString("a2"))
	assert.True(t, hasA2, "a2 installed after B returned")
}

func TestImportIsCached(t *testing.T) {
	loads := 0
	loader := func(mm *Machine, path, importer string) (*Module, error) {
		loads++
		h := mm.Heap()
		ps := h.NewString(path)
		mod := h.NewModule(ps, ps)
		main := buildProto(h, 2, func(w *ChunkWriter) {
			eK := w.Const(ObjectValue(&h.NewString("e").Object))
			w.Op(OpLoadInt).U16(0).I64(7)
			w.Op(OpExport).U16(eK).U16(0)
			w.Op(OpReturn).U16(0xFFFF)
		})
		mod.SetMainProto(main)
		return mod, nil
	}

	m := testMachine(t, WithLoader(loader))
	h := m.Heap()

	root := buildProto(h, 3, func(w *ChunkWriter) {
		eModK := w.Const(ObjectValue(&h.NewString("E").Object))
		w.Op(OpImportModule).U16(0).U16(eModK)
		w.Op(OpImportModule).U16(1).U16(eModK)
		w.Op(OpEq).U16(2).U16(0).U16(1)
		w.Op(OpReturn).U16(2)
	})
	rootMod := testModule(m, "root", root)

	v, err := m.Interpret(rootMod)
	require.NoError(t, err)
	assert.True(t, v.AsBool(), "both imports yield the same module object")
	assert.Equal(t, 1, loads)
}

func TestGetExportMissingIsKeyError(t *testing.T) {
	loader := func(mm *Machine, path, importer string) (*Module, error) {
		h := mm.Heap()
		ps := h.NewString(path)
		return h.NewModule(ps, ps), nil // no main, no exports
	}
	m := testMachine(t, WithLoader(loader))
	h := m.Heap()

	root := buildProto(h, 2, func(w *ChunkWriter) {
		cK := w.Const(ObjectValue(&h.NewString("C").Object))
		nopeK := w.Const(ObjectValue(&h.NewString("nope").Object))
		w.Op(OpImportModule).U16(0).U16(cK)
		w.Op(OpGetExport).U16(1).U16(0).U16(nopeK)
		w.Op(OpReturn).U16(1)
	})
	rootMod := testModule(m, "root", root)

	_, err := m.Interpret(rootMod)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KeyError")
}

func TestImportAllMergesIntoGlobals(t *testing.T) {
	loader := func(mm *Machine, path, importer string) (*Module, error) {
		h := mm.Heap()
		ps := h.NewString(path)
		mod := h.NewModule(ps, ps)
		main := buildProto(h, 2, func(w *ChunkWriter) {
			xK := w.Const(ObjectValue(&h.NewString("x").Object))
			yK := w.Const(ObjectValue(&h.NewString("y").Object))
			w.Op(OpLoadInt).U16(0).I64(1)
			w.Op(OpExport).U16(xK).U16(0)
			w.Op(OpLoadInt).U16(1).I64(2)
			w.Op(OpExport).U16(yK).U16(1)
			w.Op(OpReturn).U16(0xFFFF)
		})
		mod.SetMainProto(main)
		return mod, nil
	}
	m := testMachine(t, WithLoader(loader))
	h := m.Heap()

	root := buildProto(h, 2, func(w *ChunkWriter) {
		dK := w.Const(ObjectValue(&h.NewString("D").Object))
		w.Op(OpImportModule).U16(0).U16(dK)
		w.Op(OpImportAll).U16(0)
		w.Op(OpReturn).U16(0xFFFF)
	})
	rootMod := testModule(m, "root", root)

	_, err := m.Interpret(rootMod)
	require.NoError(t, err)

	idx := rootMod.InternGlobal(h.NewString("x"))
	assert.EqualValues(t, 1, rootMod.GlobalByIndex(idx).AsInt())
	idx = rootMod.InternGlobal(h.NewString("y"))
	assert.EqualValues(t, 2, rootMod.GlobalByIndex(idx).AsInt())
}

func TestModuleWithoutMainExecutesImmediately(t *testing.T) {
	loader := func(mm *Machine, path, importer string) (*Module, error) {
		h := mm.Heap()
		ps := h.NewString(path)
		return h.NewModule(ps, ps), nil
	}
	m := testMachine(t, WithLoader(loader))
	h := m.Heap()

	root := buildProto(h, 2, func(w *ChunkWriter) {
		nK := w.Const(ObjectValue(&h.NewString("N").Object))
		w.Op(OpImportModule).U16(0).U16(nK)
		w.Op(OpReturn).U16(0)
	})
	rootMod := testModule(m, "root", root)

	v, err := m.Interpret(rootMod)
	require.NoError(t, err)
	require.True(t, v.IsModule())
	assert.Equal(t, ModuleExecuted, v.AsModule().State())
}

func TestMissingLoaderFails(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	root := buildProto(h, 2, func(w *ChunkWriter) {
		k := w.Const(ObjectValue(&h.NewString("ghost").Object))
		w.Op(OpImportModule).U16(0).U16(k)
		w.Op(OpReturn).U16(0)
	})
	rootMod := testModule(m, "root", root)
	_, err := m.Interpret(rootMod)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no loader")
}
