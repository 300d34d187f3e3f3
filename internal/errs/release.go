//go:build !syncmesh_debug

package errs

// Panic is the release-build variant: it tombstones the violation and lets
// the caller continue rather than taking the whole device down.
func Panic(op string, err error) error {
	return &Tombstone{Op: op, Err: err}
}
