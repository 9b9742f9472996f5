// Package entrypoint is the registry of functions a sandboxed child can run
// and of preload hooks the forkserver runs once before serving spawns.
//
// Registration happens in init or main of the kernel binary, before the
// forkserver starts; lookups happen in the forkserver and in children.
package entrypoint

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"workbench/internal/common/codec"
)

// Func is the body of a sandboxed child. Returning an error, or panicking,
// makes the child exit with status 1.
type Func func(ctx context.Context, call *Call) error

// PreloadFunc runs once in the forkserver. Its result is shipped to every
// child spawned afterwards, so data read from outside a chroot stays
// reachable inside it.
type PreloadFunc func(ctx context.Context) ([]byte, error)

// Call is what a child entry receives.
type Call struct {
	ProcessName string
	Args        []codec.RawMessage
	Preloaded   map[string][]byte
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// Decode unmarshals argument i into v.
func (c *Call) Decode(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(c.Args))
	}
	if err := codec.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

var (
	mu       sync.RWMutex
	entries  = map[string]Func{}
	preloads = map[string]PreloadFunc{}
)

// Register makes fn runnable in children under name. It panics on duplicate
// names, like database/sql drivers.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		panic("entrypoint: Register fn is nil")
	}
	if _, dup := entries[name]; dup {
		panic("entrypoint: Register called twice for " + name)
	}
	entries[name] = fn
}

// RegisterPreload makes fn importable under name.
func RegisterPreload(name string, fn PreloadFunc) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		panic("entrypoint: RegisterPreload fn is nil")
	}
	if _, dup := preloads[name]; dup {
		panic("entrypoint: RegisterPreload called twice for " + name)
	}
	preloads[name] = fn
}

// Lookup returns the entry registered under name.
func Lookup(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := entries[name]
	return fn, ok
}

// LookupPreload returns the preload hook registered under name.
func LookupPreload(name string) (PreloadFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := preloads[name]
	return fn, ok
}

// Names lists registered entries, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
