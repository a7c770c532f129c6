package events

import (
	"context"
	"sync"
	"time"
)

var (
	defaultBus  *Bus
	defaultLock sync.Mutex
)

// Init constructs the process-wide bus if it does not exist yet and returns
// it. Options are ignored when the bus is already initialised.
func Init(opts ...Option) *Bus {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultBus == nil {
		defaultBus = NewBus(opts...)
	}
	return defaultBus
}

// Default returns the process-wide bus, creating it with default options.
// Prefer passing a *Bus explicitly; this exists for entry points.
func Default() *Bus {
	return Init()
}

// Reset closes and discards the process-wide bus so the next Init starts
// fresh. Only tests should call it.
func Reset() {
	defaultLock.Lock()
	b := defaultBus
	defaultBus = nil
	defaultLock.Unlock()

	if b == nil {
		return
	}
	b.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.Close(ctx)
}
