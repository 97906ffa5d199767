//go:build !linux && !windows

package selfpath

func resolve() (string, error) {
	return fromExecutable()
}
