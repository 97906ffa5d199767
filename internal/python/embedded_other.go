//go:build !linux && !darwin

package python

func openEmbedded(opts Options) (engine, error) {
	return nil, ErrUnsupported
}
