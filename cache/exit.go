package cache

import (
	"os"
	"syscall"

	"github.com/awnumar/memguard"
)

// RegisterExitHook arranges for the managers to be invalidated when the
// process receives SIGINT or SIGTERM, after which all guarded memory is
// purged and the process exits. The returned function does the same
// cleanup without exiting and is meant to be deferred in main.
//
// This is best-effort. It does not run on SIGKILL or a crash, and it does not
// stop a privileged process from reading memory before it runs.
func RegisterExitHook(managers ...*Manager) func() {
	cleanup := func() {
		for _, m := range managers {
			m.Invalidate()
		}
	}
	memguard.CatchSignal(func(sig os.Signal) {
		cleanup()
	}, os.Interrupt, syscall.SIGTERM)

	return func() {
		cleanup()
		memguard.Purge()
	}
}
