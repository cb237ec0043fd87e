// Package base provides shared behavior for backend adapters: common
// lifecycle bookkeeping and the retry policy applied to network-classified
// failures.
package base

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/logger"
)

// BaseAdapter carries the state every backend adapter shares. Adapters embed
// it and drive markAttached/markClosed from their Attach and Close paths.
type BaseAdapter struct {
	kind     string
	log      *zap.Logger
	mu       sync.Mutex
	attached bool
}

// NewBaseAdapter creates the shared adapter state for a backend kind.
func NewBaseAdapter(kind string) *BaseAdapter {
	return &BaseAdapter{
		kind: kind,
		log:  logger.Get().With(zap.String("component", "adapter"), zap.String("kind", kind)),
	}
}

// Kind returns the backend kind tag.
func (b *BaseAdapter) Kind() string {
	return b.kind
}

// Logger returns the adapter's tagged logger.
func (b *BaseAdapter) Logger() *zap.Logger {
	return b.log
}

// MarkAttached records a successful attach. It fails if the adapter is
// already attached; connections are scoped to a single run.
func (b *BaseAdapter) MarkAttached() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached {
		return errors.New(errors.ErrorTypeValidation, "adapter already attached")
	}
	b.attached = true
	return nil
}

// MarkClosed records the release of the connection.
func (b *BaseAdapter) MarkClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = false
}

// Attached reports whether the adapter currently holds its connection.
func (b *BaseAdapter) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}
