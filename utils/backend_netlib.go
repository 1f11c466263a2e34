//go:build netlib

package utils

import "gonum.org/v1/netlib/blas/netlib"

// Build with `-tags netlib` (and a system CBLAS) to make the cgo backend selectable.
func init() {
	RegisterBackend("netlib", netlib.Implementation{})
}
