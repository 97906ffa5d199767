//go:build linux || darwin

package python

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/ebitengine/purego"
)

// embedded runs programs inside a libpython loaded into this process. The
// interpreter is bound to the OS thread that initialized it, so an embedded
// engine must only be used from the goroutine that opened it.
type embedded struct {
	lib uintptr

	initializeEx  func(initsigs int32)
	finalizeEx    func() int32
	getVersion    func() string
	runSimple     func(command string, flags uintptr) int32
	importAddMod  func(name string) uintptr
	getAttrString func(obj uintptr, name string) uintptr
	longAsLong    func(obj uintptr) int64
	unicodeAsUTF8 func(obj uintptr) string
	decRef        func(obj uintptr)
	errClear      func()
	isInitialized func() int32
}

// libraryNames lists the sonames tried when no library path is configured,
// newest release first.
func libraryNames() []string {
	var names []string
	for minor := 15; minor >= 7; minor-- {
		switch runtime.GOOS {
		case "darwin":
			names = append(names, "libpython3."+strconv.Itoa(minor)+".dylib")
		default:
			names = append(names, "libpython3."+strconv.Itoa(minor)+".so.1.0", "libpython3."+strconv.Itoa(minor)+".so")
		}
	}
	if runtime.GOOS != "darwin" {
		names = append(names, "libpython3.7m.so.1.0")
	}
	return names
}

func dlopenPython(path string) (uintptr, error) {
	const mode = purego.RTLD_NOW | purego.RTLD_GLOBAL
	if path != "" {
		lib, err := purego.Dlopen(path, mode)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", path, err)
		}
		return lib, nil
	}

	var errs []error
	for _, name := range libraryNames() {
		lib, err := purego.Dlopen(name, mode)
		if err == nil {
			return lib, nil
		}
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("no libpython found (set libpython or PYBND_LIBPYTHON): %w", errors.Join(errs...))
}

func openEmbedded(opts Options) (engine, error) {
	lib, err := dlopenPython(opts.LibPython)
	if err != nil {
		return nil, err
	}

	e := &embedded{lib: lib}
	if err := e.bind(); err != nil {
		purego.Dlclose(lib)
		return nil, err
	}

	runtime.LockOSThread()
	if e.isInitialized() == 0 {
		e.initializeEx(0)
	}
	return e, nil
}

// bind resolves every C entry point used by the engine.
func (e *embedded) bind() error {
	funcs := []struct {
		fptr any
		name string
	}{
		{&e.initializeEx, "Py_InitializeEx"},
		{&e.finalizeEx, "Py_FinalizeEx"},
		{&e.getVersion, "Py_GetVersion"},
		{&e.runSimple, "PyRun_SimpleStringFlags"},
		{&e.importAddMod, "PyImport_AddModule"},
		{&e.getAttrString, "PyObject_GetAttrString"},
		{&e.longAsLong, "PyLong_AsLong"},
		{&e.unicodeAsUTF8, "PyUnicode_AsUTF8"},
		{&e.decRef, "Py_DecRef"},
		{&e.errClear, "PyErr_Clear"},
		{&e.isInitialized, "Py_IsInitialized"},
	}
	for _, f := range funcs {
		if _, err := purego.Dlsym(e.lib, f.name); err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		purego.RegisterLibFunc(f.fptr, e.lib, f.name)
	}
	return nil
}

func (e *embedded) version(ctx context.Context) (string, error) {
	v := e.getVersion()
	if i := strings.IndexByte(v, ' '); i >= 0 {
		v = v[:i]
	}
	return v, nil
}

// run executes program in __main__ and returns the integer left in
// _pybnd_status. An exception escaping the program counts as status 1; the
// interpreter has already printed its traceback.
func (e *embedded) run(program string) (int, error) {
	if rc := e.runSimple(program, 0); rc != 0 {
		return 1, nil
	}

	mod := e.importAddMod("__main__")
	if mod == 0 {
		e.errClear()
		return 0, errors.New("python: __main__ module unavailable")
	}
	obj := e.getAttrString(mod, "_pybnd_status")
	if obj == 0 {
		e.errClear()
		return 0, errors.New("python: program did not report a status")
	}
	defer e.decRef(obj)

	status := e.longAsLong(obj)
	if status == -1 {
		e.errClear()
	}
	return int(status), nil
}

// message returns _pybnd_message from __main__, or "" if unset.
func (e *embedded) message() string {
	mod := e.importAddMod("__main__")
	if mod == 0 {
		e.errClear()
		return ""
	}
	obj := e.getAttrString(mod, "_pybnd_message")
	if obj == 0 {
		e.errClear()
		return ""
	}
	defer e.decRef(obj)
	return e.unicodeAsUTF8(obj)
}

func (e *embedded) compile(ctx context.Context, scriptPath, outputPath string) error {
	status, err := e.run(literalPrelude(scriptPath, outputPath) + compileProgram)
	if err != nil {
		return err
	}
	if status != 0 {
		return &CompileError{Script: scriptPath, Message: ansi.Strip(strings.TrimSpace(e.message()))}
	}
	return nil
}

func (e *embedded) exec(ctx context.Context, unitPath string, offset int, argv0 string) error {
	status, err := e.run(literalPrelude(unitPath, strconv.Itoa(offset), argv0) + execProgram)
	if err != nil {
		return err
	}
	if status != 0 {
		return &ExitError{Status: status}
	}
	return nil
}

func (e *embedded) close() error {
	defer runtime.UnlockOSThread()

	var err error
	if e.isInitialized() != 0 {
		if rc := e.finalizeEx(); rc != 0 {
			err = fmt.Errorf("python: finalize failed (%d)", rc)
		}
	}
	// libpython is left loaded; CPython does not support being unloaded.
	return err
}
