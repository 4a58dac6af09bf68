package linker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModule is a module implemented by the host, such as WASI or the
// driver ABI. Define adds its functions to b; the linker instantiates it
// once every guest import is accounted for.
type HostModule interface {
	Name() string
	Define(b wazero.HostModuleBuilder)
}

// LinkOptions configure Link.
type LinkOptions struct {
	// EntryFunction is the export the entry module is run through.
	EntryFunction string
	// UnknownImportsTrap replaces unresolved function imports with stubs
	// that trap when called instead of failing the link.
	UnknownImportsTrap bool
	// Transform rewrites every guest binary before compilation.
	Transform func(name string, bin []byte) ([]byte, error)
	// Config is the base configuration of every guest instance.
	Config wazero.ModuleConfig
	// Threads enables wasi-threads: a shared env.memory and the
	// wasi.thread-spawn import.
	Threads bool
	Logger  *slog.Logger
}

// Instance is a linked module set ready to run.
type Instance struct {
	runtime   wazero.Runtime
	entry     *Module
	compiled  wazero.CompiledModule
	config    wazero.ModuleConfig
	function  string
	libraries []api.Module
	threads   *threads
	logger    *slog.Logger
	main      api.Module
}

// exports is what one import source offers.
type exports struct {
	funcs    map[string]api.FunctionDefinition
	memories map[string]api.MemoryDefinition
}

func (e exports) has(kind, name string) bool {
	if kind == "memory" {
		_, ok := e.memories[name]
		return ok
	}
	_, ok := e.funcs[name]
	return ok
}

type unresolved struct {
	module string
	def    api.FunctionDefinition
	kind   string
	name   string
	from   string
}

// Link compiles every module of set, instantiates the host modules and
// the libraries under their manifest names. The entry module is compiled
// but only instantiated by Run.
func Link(ctx context.Context, r wazero.Runtime, set *LoadedSet, hosts []HostModule, opts LinkOptions) (*Instance, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	config := opts.Config
	if config == nil {
		config = wazero.NewModuleConfig()
	}
	if opts.EntryFunction == "" {
		opts.EntryFunction = "_start"
	}

	inst := &Instance{runtime: r, entry: set.Entry, config: config, function: opts.EntryFunction, logger: logger}
	if opts.Threads {
		inst.threads = &threads{runtime: r, config: config, logger: logger}
		hosts = append(hosts, inst.threads)
	}

	reserved := make(map[string]bool, len(hosts)+1)
	for _, h := range hosts {
		reserved[h.Name()] = true
	}
	if opts.Threads {
		reserved[sharedMemoryModule] = true
	}
	for _, m := range set.Modules() {
		if reserved[m.Name] {
			return nil, newError(ErrReservedName, m.Name, "", nil)
		}
	}

	compiled, err := compileAll(ctx, r, set, opts, logger)
	if err != nil {
		return nil, err
	}
	inst.compiled = compiled[set.Entry.Name]
	if _, ok := inst.compiled.ExportedFunctions()[opts.EntryFunction]; !ok {
		return nil, newError(ErrUnresolvedImport, set.Entry.Name, fmt.Sprintf("entry function %q is not exported", opts.EntryFunction), nil)
	}

	sources := make(map[string]exports)
	builders := make(map[string]wazero.HostModuleBuilder, len(hosts))
	order := make([]string, 0, len(hosts))
	for _, h := range hosts {
		b := r.NewHostModuleBuilder(h.Name())
		h.Define(b)
		cm, err := b.Compile(ctx)
		if err != nil {
			return nil, newError(ErrInstantiate, h.Name(), "host module", err)
		}
		sources[h.Name()] = exports{funcs: cm.ExportedFunctions(), memories: cm.ExportedMemories()}
		builders[h.Name()] = b
		order = append(order, h.Name())
	}

	if opts.Threads {
		if err := instantiateSharedMemory(ctx, r, set.Entry.Name, inst.compiled); err != nil {
			return nil, err
		}
		if mod := r.Module(sharedMemoryModule); mod != nil {
			sources[sharedMemoryModule] = exports{memories: mod.ExportedMemoryDefinitions()}
		}
		inst.threads.compiled = inst.compiled
	}

	var missing []unresolved
	for _, m := range set.Modules() {
		cm := compiled[m.Name]
		missing = append(missing, resolve(m.Name, cm, sources)...)
		if m.Kind == Library {
			sources[m.Name] = exports{funcs: cm.ExportedFunctions(), memories: cm.ExportedMemories()}
		}
	}
	if len(missing) > 0 {
		added, err := stubUnresolved(r, missing, sources, builders, opts.UnknownImportsTrap, logger)
		if err != nil {
			return nil, err
		}
		order = append(order, added...)
	}

	for _, name := range order {
		if _, err := builders[name].Instantiate(ctx); err != nil {
			return nil, newError(ErrInstantiate, name, "host module", err)
		}
	}

	for _, lib := range set.Libraries {
		mod, err := r.InstantiateModule(ctx, compiled[lib.Name], config.WithName(lib.Name).WithStartFunctions("_initialize"))
		if err != nil {
			return nil, newError(ErrInstantiate, lib.Name, "", err)
		}
		inst.libraries = append(inst.libraries, mod)
		logger.Debug("library instantiated", slog.String("module", lib.Name))
	}
	return inst, nil
}

func compileAll(ctx context.Context, r wazero.Runtime, set *LoadedSet, opts LinkOptions, logger *slog.Logger) (map[string]wazero.CompiledModule, error) {
	cache := make(map[uint64]wazero.CompiledModule)
	out := make(map[string]wazero.CompiledModule)
	for _, m := range set.Modules() {
		if cm, ok := cache[m.Fingerprint]; ok {
			out[m.Name] = cm
			logger.Debug("module compile reused", slog.String("module", m.Name), slog.String("fingerprint", fmt.Sprintf("%016x", m.Fingerprint)))
			continue
		}
		bin := m.Binary
		if opts.Transform != nil {
			var err error
			if bin, err = opts.Transform(m.Name, bin); err != nil {
				return nil, newError(ErrCompile, m.Name, "", err)
			}
		}
		cm, err := r.CompileModule(ctx, bin)
		if err != nil {
			return nil, newError(ErrCompile, m.Name, "", err)
		}
		cache[m.Fingerprint] = cm
		out[m.Name] = cm
		logger.Debug("module compiled", slog.String("module", m.Name), slog.String("fingerprint", fmt.Sprintf("%016x", m.Fingerprint)))
	}
	return out, nil
}

func resolve(name string, cm wazero.CompiledModule, sources map[string]exports) []unresolved {
	var missing []unresolved
	for _, def := range cm.ImportedFunctions() {
		mod, field, _ := def.Import()
		if src, ok := sources[mod]; ok && src.has("func", field) {
			continue
		}
		missing = append(missing, unresolved{module: mod, name: field, kind: "func", def: def, from: name})
	}
	for _, def := range cm.ImportedMemories() {
		mod, field, _ := def.Import()
		if src, ok := sources[mod]; ok && src.has("memory", field) {
			continue
		}
		missing = append(missing, unresolved{module: mod, name: field, kind: "memory", from: name})
	}
	return missing
}

// stubUnresolved fails the link or, in trap mode, adds a trapping stub for
// every missing function import. Stubs extend the host module of the
// same name, or a new one when no host provides it; the names of new
// modules are returned in sorted order. Imports from guest modules and
// non-function imports cannot be stubbed.
func stubUnresolved(r wazero.Runtime, missing []unresolved, sources map[string]exports, builders map[string]wazero.HostModuleBuilder, trap bool, logger *slog.Logger) ([]string, error) {
	var fatal []string
	stubs := make(map[string][]unresolved)
	for _, u := range missing {
		_, provided := sources[u.module]
		_, host := builders[u.module]
		if !trap || u.kind != "func" || (provided && !host) {
			fatal = append(fatal, fmt.Sprintf("%s imports %s %s.%s", u.from, u.kind, u.module, u.name))
			continue
		}
		stubs[u.module] = append(stubs[u.module], u)
	}
	if len(fatal) > 0 {
		return nil, newError(ErrUnresolvedImport, "", strings.Join(fatal, "; "), nil)
	}

	names := make([]string, 0, len(stubs))
	for name := range stubs {
		names = append(names, name)
	}
	sort.Strings(names)
	var added []string
	for _, modName := range names {
		b, ok := builders[modName]
		if !ok {
			b = r.NewHostModuleBuilder(modName)
			builders[modName] = b
			added = append(added, modName)
		}
		defined := make(map[string]bool)
		for _, u := range stubs[modName] {
			if defined[u.name] {
				continue
			}
			defined[u.name] = true
			b.NewFunctionBuilder().
				WithGoModuleFunction(trapStub(u.module, u.name), u.def.ParamTypes(), u.def.ResultTypes()).
				Export(u.name)
			logger.Warn("unknown import replaced with trap",
				slog.String("module", u.from),
				slog.String("import", u.module+"."+u.name),
			)
		}
	}
	return added, nil
}

func trapStub(module, name string) api.GoModuleFunc {
	return func(context.Context, api.Module, []uint64) {
		panic(fmt.Errorf("%w: %s.%s", ErrUnknownImport, module, name))
	}
}

// Run instantiates the entry module and calls its entry function. A
// reactor's _initialize export runs first.
func (i *Instance) Run(ctx context.Context) error {
	if i.threads != nil {
		ctx = i.threads.begin(ctx)
	}
	err := i.run(ctx)
	if i.threads != nil {
		err = i.threads.finish(err)
	}
	return err
}

func (i *Instance) run(ctx context.Context) error {
	mod, err := i.runtime.InstantiateModule(ctx, i.compiled, i.config.WithName(i.entry.Name).WithStartFunctions())
	if err != nil {
		return err
	}
	i.main = mod
	if i.function != "_initialize" {
		if init := mod.ExportedFunction("_initialize"); init != nil {
			if _, err := init.Call(ctx); err != nil {
				return err
			}
		}
	}
	_, err = mod.ExportedFunction(i.function).Call(ctx)
	return err
}

// Close closes the entry and library instances.
func (i *Instance) Close(ctx context.Context) error {
	if i.main != nil {
		_ = i.main.Close(ctx)
	}
	for j := len(i.libraries) - 1; j >= 0; j-- {
		_ = i.libraries[j].Close(ctx)
	}
	return nil
}

// Libraries returns the names of the instantiated libraries in order.
func (i *Instance) Libraries() []string {
	names := make([]string, len(i.libraries))
	for j, m := range i.libraries {
		names[j] = m.Name()
	}
	return names
}
