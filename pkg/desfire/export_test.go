package desfire

import "io"

// SetRandReader replaces the RndA source until the returned func is called.
func SetRandReader(r io.Reader) (restore func()) {
	prev := randReader
	randReader = r
	return func() { randReader = prev }
}
