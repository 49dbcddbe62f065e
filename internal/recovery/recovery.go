// Package recovery keeps a panicking receive loop from taking down the relay.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RecoverWithLog recovers from a panic and logs it. Defer it first thing in
// every goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.udpLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it and calls callback,
// typically to close the connection whose loop panicked.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn in a goroutine tracked by wg with panic recovery.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
