package imgr

import (
	"sync"
	"sync/atomic"
)

// cleanups is a LIFO stack of cleanup funcs. Its main client is the
// generated-tarball factory, which must delete its temporary archives no
// matter how the build exits.
var cleanups struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterCleanup schedules fn to run when Cleanup is called (typically
// by main, once the verb has returned). Funcs run in reverse registration
// order.
func RegisterCleanup(fn func() error) {
	if atomic.LoadUint32(&cleanups.closed) != 0 {
		panic("BUG: RegisterCleanup must not be called from a cleanup func")
	}
	cleanups.Lock()
	defer cleanups.Unlock()
	cleanups.fns = append(cleanups.fns, fn)
}

// Cleanup runs all registered cleanup funcs. All funcs run even if some
// fail; the first error is returned.
func Cleanup() error {
	atomic.StoreUint32(&cleanups.closed, 1)
	var firstErr error
	for i := len(cleanups.fns) - 1; i >= 0; i-- {
		if err := cleanups.fns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
