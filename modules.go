package meow

import (
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// === Module manager ===
//
// Owns the path → module cache for the lifetime of the VM and fronts the
// external loader. The manager never executes module code itself; import
// sequencing (executing/executed transitions, cyclic-import short
// circuits) lives in the IMPORT_MODULE handler.

// LoaderFunc materializes a module for a path: protos built, constant-pool
// proto references resolved, state left at ModuleLoading. importerPath is
// the requesting module's path, empty at the top level.
type LoaderFunc func(m *Machine, path, importerPath string) (*Module, error)

// ModuleManager caches loaded modules by interned path.
type ModuleManager struct {
	machine *Machine
	heap    *Heap
	cache   *swiss.Map[*String, *Module]
	loader  LoaderFunc
	log     *zap.Logger
}

// NewModuleManager builds an empty manager.
func NewModuleManager(machine *Machine, heap *Heap, log *zap.Logger) *ModuleManager {
	return &ModuleManager{
		machine: machine,
		heap:    heap,
		cache:   swiss.NewMap[*String, *Module](16),
		log:     log,
	}
}

// SetLoader installs the external loader.
func (mm *ModuleManager) SetLoader(loader LoaderFunc) { mm.loader = loader }

// Register installs a pre-built module (native libraries, test fixtures)
// under its path.
func (mm *ModuleManager) Register(path *String, mod *Module) {
	mm.cache.Put(path, mod)
}

// Load returns the cached module for path or asks the loader for it. The
// module enters the cache before any of its code runs, which is what makes
// cyclic imports terminate.
func (mm *ModuleManager) Load(path, importerPath *String) (*Module, error) {
	if mod, ok := mm.cache.Get(path); ok {
		return mod, nil
	}
	if mm.loader == nil {
		return nil, errors.Errorf("no loader installed (importing %q)", path.String())
	}
	importer := ""
	if importerPath != nil {
		importer = importerPath.String()
	}
	mod, err := mm.loader(mm.machine, path.String(), importer)
	if err != nil {
		return nil, errors.Wrapf(err, "load module %q", path.String())
	}
	if mod == nil {
		return nil, errors.Errorf("loader returned no module for %q", path.String())
	}
	mm.cache.Put(path, mod)
	mm.log.Debug("module loaded",
		zap.String("path", path.String()),
		zap.Bool("has_main", mod.HasMain()))
	return mod, nil
}

// Loaded returns the cached module for path, if any.
func (mm *ModuleManager) Loaded(path *String) (*Module, bool) {
	return mm.cache.Get(path)
}

// trace marks every cached module as a GC root.
func (mm *ModuleManager) trace(mark func(*Object)) {
	mm.cache.Iter(func(path *String, mod *Module) bool {
		mark(&path.Object)
		mark(&mod.Object)
		return false
	})
}
