package python

import (
	"encoding/hex"
	"strings"
)

// The programs below run inside the interpreter. They read their arguments
// from _pybnd_args and report through _pybnd_status and _pybnd_message, so the
// same text works as a subprocess program and inside an embedded interpreter.

const versionProgram = `import sys
sys.stdout.write('%d.%d.%d\n' % sys.version_info[:3])
`

const compileProgram = `
import py_compile
_pybnd_status, _pybnd_message = 0, ''
try:
    py_compile.compile(_pybnd_args[0], cfile=_pybnd_args[1], doraise=True)
except py_compile.PyCompileError as e:
    _pybnd_status, _pybnd_message = 1, e.msg
except OSError as e:
    _pybnd_status, _pybnd_message = 1, '%s: %s' % (e.strerror, e.filename)
`

const execProgram = `
import marshal, sys
_pybnd_status = 0
with open(_pybnd_args[0], 'rb') as _pybnd_f:
    _pybnd_f.seek(int(_pybnd_args[1]))
    _pybnd_code = marshal.load(_pybnd_f)
sys.argv = [_pybnd_args[2] or _pybnd_args[0]]
try:
    exec(_pybnd_code, {'__name__': '__main__', '__builtins__': __builtins__})
except SystemExit as e:
    if e.code is None:
        _pybnd_status = 0
    elif isinstance(e.code, int):
        _pybnd_status = e.code
    else:
        sys.stderr.write('%s\n' % (e.code,))
        _pybnd_status = 1
finally:
    sys.stdout.flush()
    sys.stderr.flush()
`

// argvPrelude binds _pybnd_args from the command line of a subprocess.
const argvPrelude = "import sys\n_pybnd_args = sys.argv[1:]\n"

// subprocessExit turns the status variables into a process exit status.
const subprocessExit = `
if _pybnd_status:
    if globals().get('_pybnd_message'):
        sys.stderr.write(_pybnd_message)
    sys.exit(_pybnd_status)
`

// literalPrelude binds _pybnd_args to args without relying on argv. Paths are
// hex encoded so no quoting or encoding issue can reach the interpreter.
func literalPrelude(args ...string) string {
	var sb strings.Builder
	sb.WriteString("import os\n_pybnd_args = [os.fsdecode(bytes.fromhex(a)) for a in (")
	for _, arg := range args {
		sb.WriteString("'")
		sb.WriteString(hex.EncodeToString([]byte(arg)))
		sb.WriteString("', ")
	}
	sb.WriteString(")]\n")
	return sb.String()
}
