package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/pybnd/internal/bundle"
	"github.com/tinyrange/pybnd/internal/cli"
	"github.com/tinyrange/pybnd/internal/footer"
)

const stubEnv = "PYBND_TEST_STUB"

// The test binary doubles as the pybnd stub: bundles built from it run main
// when stubEnv is set.
func TestMain(m *testing.M) {
	if os.Getenv(stubEnv) == "1" {
		main()
		return
	}
	os.Exit(m.Run())
}

type result struct {
	stdout string
	stderr string
	code   int
}

// run executes bin as the stub with isolated configuration.
func run(t *testing.T, scratchDir, bin string, args ...string) result {
	t.Helper()

	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(),
		stubEnv+"=1",
		"PYBND_CONFIG="+filepath.Join(scratchDir, "none.yaml"),
		"PYBND_TMPDIR="+scratchDir,
		"PYBND_ENGINE=",
		"PYBND_KEEP_SCRATCH=",
		"PYBND_PROGRESS=never",
		"PYBND_LOG_LEVEL=",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		t.Fatalf("run %s: %v", bin, err)
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

func self(t *testing.T) string {
	t.Helper()
	path, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	return path
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not in PATH")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover scratch file %s", e.Name())
	}
}

// appendPayload writes a copy of the test binary followed by body and a
// footer claiming n bytes.
func appendPayload(t *testing.T, body []byte, n uint64) string {
	t.Helper()
	stub, err := os.ReadFile(self(t))
	if err != nil {
		t.Fatal(err)
	}
	trailer := footer.Encode(n)
	data := append(append(stub, body...), trailer[:]...)
	path := filepath.Join(t.TempDir(), "bundle")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildAndRun(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()
	scratchDir := t.TempDir()

	script := filepath.Join(dir, "hello.py")
	writeFile(t, script, "print('hello, world')\n")
	output := filepath.Join(dir, "hello")

	res := run(t, scratchDir, self(t), "--build", script, output)
	if res.code != cli.ExitOK {
		t.Fatalf("build exit code = %d, stderr:\n%s", res.code, res.stderr)
	}
	if res.stdout != "" {
		t.Errorf("build stdout = %q, want empty", res.stdout)
	}
	assertEmptyDir(t, scratchDir)

	res = run(t, scratchDir, output)
	if res.code != cli.ExitOK {
		t.Fatalf("run exit code = %d, stderr:\n%s", res.code, res.stderr)
	}
	if res.stdout != "hello, world\n" {
		t.Errorf("run stdout = %q, want %q", res.stdout, "hello, world\n")
	}
	if res.stderr != "" {
		t.Errorf("run stderr = %q, want empty", res.stderr)
	}
	assertEmptyDir(t, scratchDir)
}

func TestBuildSyntaxErrorKeepsPreviousBuild(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()
	scratchDir := t.TempDir()
	output := filepath.Join(dir, "app")

	good := filepath.Join(dir, "good.py")
	writeFile(t, good, "print('v1')\n")
	if res := run(t, scratchDir, self(t), "--build", good, output); res.code != cli.ExitOK {
		t.Fatalf("first build exit code = %d, stderr:\n%s", res.code, res.stderr)
	}
	before, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}

	bad := filepath.Join(dir, "bad.py")
	writeFile(t, bad, "print('v2'\n")
	res := run(t, scratchDir, self(t), "--build", bad, output)
	if res.code != cli.ExitCompile {
		t.Fatalf("exit code = %d, want %d, stderr:\n%s", res.code, cli.ExitCompile, res.stderr)
	}
	if !strings.Contains(res.stderr, "bad.py") {
		t.Errorf("stderr does not name the script:\n%s", res.stderr)
	}

	after, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed build changed the previous output")
	}
	if res := run(t, scratchDir, output); res.stdout != "v1\n" {
		t.Errorf("previous build prints %q, want %q", res.stdout, "v1\n")
	}
	assertEmptyDir(t, scratchDir)
}

func TestBuildSyntaxErrorNoOutput(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.py")
	writeFile(t, bad, "def (:\n")
	output := filepath.Join(dir, "app")

	res := run(t, t.TempDir(), self(t), "--build", bad, output)
	if res.code != cli.ExitCompile {
		t.Fatalf("exit code = %d, want %d", res.code, cli.ExitCompile)
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output exists after failed build: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("output dir has %d entries, want only the script", len(entries))
	}
}

func TestBareStub(t *testing.T) {
	scratchDir := t.TempDir()

	res := run(t, scratchDir, self(t))
	if res.code != cli.ExitNoPayload {
		t.Fatalf("exit code = %d, want %d, stderr:\n%s", res.code, cli.ExitNoPayload, res.stderr)
	}
	if !strings.Contains(res.stderr, "no embedded payload") {
		t.Errorf("stderr = %q, want a no payload message", res.stderr)
	}
	if !strings.Contains(res.stderr, "--build <script.py> <output>") {
		t.Errorf("stderr = %q, want a build hint", res.stderr)
	}
	assertEmptyDir(t, scratchDir)
}

func TestUsageError(t *testing.T) {
	for _, args := range [][]string{
		{"--build"},
		{"--build", "only.py"},
		{"--build", "a.py", "b", "c"},
		{"stray"},
	} {
		res := run(t, t.TempDir(), self(t), args...)
		if res.code != cli.ExitUsage {
			t.Errorf("%q: exit code = %d, want %d", args, res.code, cli.ExitUsage)
		}
		if !strings.Contains(res.stderr, "Usage:") {
			t.Errorf("%q: stderr lacks usage text: %q", args, res.stderr)
		}
	}
}

func TestCorruptMagic(t *testing.T) {
	for i := range len(footer.Magic) {
		t.Run(fmt.Sprintf("byte %d", i), func(t *testing.T) {
			path := appendPayload(t, []byte("payload"), 7)

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			data[len(data)-footer.Size+i] ^= 0xff
			if err := os.WriteFile(path, data, 0o755); err != nil {
				t.Fatal(err)
			}

			scratchDir := t.TempDir()
			res := run(t, scratchDir, path)
			if res.code != cli.ExitNoPayload {
				t.Errorf("exit code = %d, want %d, stderr:\n%s", res.code, cli.ExitNoPayload, res.stderr)
			}
			assertEmptyDir(t, scratchDir)
		})
	}
}

func TestCorruptFooter(t *testing.T) {
	path := appendPayload(t, []byte("payload"), 1<<40)

	res := run(t, t.TempDir(), path)
	if res.code != cli.ExitCorruptFooter {
		t.Errorf("exit code = %d, want %d, stderr:\n%s", res.code, cli.ExitCorruptFooter, res.stderr)
	}
}

func TestEmptyPayloadFooter(t *testing.T) {
	path := appendPayload(t, nil, 0)

	res := run(t, t.TempDir(), path)
	if res.code != cli.ExitEmptyPayload {
		t.Errorf("exit code = %d, want %d, stderr:\n%s", res.code, cli.ExitEmptyPayload, res.stderr)
	}
}

// runPython runs script directly, the way a user would without a bundle.
func runPython(t *testing.T, script string) result {
	t.Helper()

	cmd := exec.Command("python3", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		t.Fatalf("run python3 %s: %v", script, err)
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

func TestScriptExitMatchesDirectRun(t *testing.T) {
	requirePython(t)

	tests := []struct {
		name       string
		src        string
		wantCode   int
		wantStderr string
	}{
		{name: "success", src: "print('done')\n", wantCode: 0},
		{name: "exit code", src: "import sys\nprint('partial')\nsys.exit(3)\n", wantCode: 3},
		{name: "exit code shared with pybnd", src: "import sys\nsys.exit(12)\n", wantCode: 12},
		{name: "exit message", src: "raise SystemExit('boom')\n", wantCode: 1, wantStderr: "boom"},
		{name: "uncaught exception", src: "print('before')\nraise ValueError('bad input')\n", wantCode: 1, wantStderr: "ValueError: bad input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			scratchDir := t.TempDir()

			script := filepath.Join(dir, "app.py")
			writeFile(t, script, tt.src)
			output := filepath.Join(dir, "app")
			if res := run(t, scratchDir, self(t), "--build", script, output); res.code != cli.ExitOK {
				t.Fatalf("build exit code = %d, stderr:\n%s", res.code, res.stderr)
			}

			direct := runPython(t, script)
			bundled := run(t, scratchDir, output)
			if direct.code != tt.wantCode {
				t.Fatalf("python3 exit code = %d, want %d", direct.code, tt.wantCode)
			}
			if bundled.code != direct.code {
				t.Errorf("bundle exit code = %d, python3 exit code = %d, stderr:\n%s", bundled.code, direct.code, bundled.stderr)
			}
			if bundled.stdout != direct.stdout {
				t.Errorf("bundle stdout = %q, python3 stdout = %q", bundled.stdout, direct.stdout)
			}
			if !strings.Contains(bundled.stderr, tt.wantStderr) {
				t.Errorf("bundle stderr = %q, want it to contain %q", bundled.stderr, tt.wantStderr)
			}
			for _, extra := range []string{"Usage to build", "exited with status", "pybnd-payload"} {
				if strings.Contains(bundled.stderr, extra) {
					t.Errorf("bundle stderr contains %q:\n%s", extra, bundled.stderr)
				}
			}
			assertEmptyDir(t, scratchDir)
		})
	}
}

func TestScriptSeesBundlePath(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()
	scratchDir := t.TempDir()

	script := filepath.Join(dir, "argv.py")
	writeFile(t, script, "import sys\nprint(sys.argv[0])\nprint(len(sys.argv))\n")
	output := filepath.Join(dir, "argv")
	if res := run(t, scratchDir, self(t), "--build", script, output); res.code != cli.ExitOK {
		t.Fatalf("build exit code = %d, stderr:\n%s", res.code, res.stderr)
	}

	want, err := filepath.EvalSymlinks(output)
	if err != nil {
		t.Fatal(err)
	}
	res := run(t, scratchDir, output)
	if res.code != cli.ExitOK {
		t.Fatalf("exit code = %d, stderr:\n%s", res.code, res.stderr)
	}
	if res.stdout != want+"\n1\n" {
		t.Errorf("stdout = %q, want argv [%q]", res.stdout, want)
	}
}

func TestRebuildFromBundle(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()
	scratchDir := t.TempDir()

	first := filepath.Join(dir, "first")
	writeFile(t, filepath.Join(dir, "one.py"), "print('one')\n")
	if res := run(t, scratchDir, self(t), "--build", filepath.Join(dir, "one.py"), first); res.code != cli.ExitOK {
		t.Fatalf("first build exit code = %d, stderr:\n%s", res.code, res.stderr)
	}

	second := filepath.Join(dir, "second")
	writeFile(t, filepath.Join(dir, "two.py"), "print('two')\n")
	if res := run(t, scratchDir, first, "--build", filepath.Join(dir, "two.py"), second); res.code != cli.ExitOK {
		t.Fatalf("second build exit code = %d, stderr:\n%s", res.code, res.stderr)
	}

	info, err := os.Stat(self(t))
	if err != nil {
		t.Fatal(err)
	}
	layout, err := bundle.Inspect(second)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if layout.StubSize() != info.Size() {
		t.Errorf("stub size = %d, want %d", layout.StubSize(), info.Size())
	}
	if res := run(t, scratchDir, second); res.stdout != "two\n" {
		t.Errorf("second bundle prints %q, want %q", res.stdout, "two\n")
	}
}
