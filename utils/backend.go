package utils

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/blas/gonum"
)

// Every mat.Dense product goes through blas64, so swapping the implementation
// swaps the execution backend for the whole model.

var (
	backendsMu sync.Mutex
	backends   = map[string]blas.Float64{
		"gonum": gonum.Implementation{},
	}
)

// RegisterBackend makes impl selectable by name. Build-tagged files call it from init.
func RegisterBackend(name string, impl blas.Float64) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = impl
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UseBackend installs the named BLAS implementation. "" means "gonum".
func UseBackend(name string) error {
	if name == "" {
		name = "gonum"
	}
	backendsMu.Lock()
	impl, ok := backends[name]
	backendsMu.Unlock()
	if !ok {
		return fmt.Errorf("utils: unknown backend %q (have %v)", name, Backends())
	}
	blas64.Use(impl)
	Debugf("using %s BLAS backend", name)
	return nil
}
