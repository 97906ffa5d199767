// Command pybnd turns a Python script into a standalone executable.
//
// Usage:
//
//	pybnd --build <script.py> <output>
//
// The output is a copy of pybnd with the compiled script appended. Running
// it without arguments executes the script with the configured interpreter.
package main

import (
	"os"

	"github.com/tinyrange/pybnd/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args, os.Stdin, os.Stdout, os.Stderr))
}
