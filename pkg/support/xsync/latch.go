package xsync

import "sync"

// Latch is a one-shot signal: once triggered, every current and future Wait returns immediately.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns an untriggered Latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Trigger the latch. It is safe to call it more than once.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.ch) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.ch
}
