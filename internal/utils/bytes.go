// Package utils holds small, dependency-free helpers shared across the
// storage packages.
package utils

// CopyBytes returns a defensive copy of b so the caller can retain a
// reference without the original backing array being mutated underneath
// it — used whenever a key or value crosses from caller-owned memory into
// a skip list node.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}