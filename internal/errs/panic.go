//go:build syncmesh_debug

package errs

// Panic is the debug-build variant of invariant-violation handling: it
// panics instead of returning a Tombstone. Built only with the
// syncmesh_debug tag, a //go:build switch for selecting between
// deployment shapes at compile time.
func Panic(op string, err error) error {
	panic(&Tombstone{Op: op, Err: err})
}
