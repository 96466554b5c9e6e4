package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Semaphore bounds the number of outstanding deliveries of a consumer.
type Semaphore struct {
	slots chan struct{}
	inUse atomic.Int64
}

// NewSemaphore returns a semaphore with n slots. n < 1 is treated as 1.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		s.inUse.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	s.inUse.Add(-1)
	<-s.slots
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	return int(s.inUse.Load())
}

// Capacity returns the number of slots.
func (s *Semaphore) Capacity() int {
	return cap(s.slots)
}

// Settlement makes sure a delivery is settled once and releases its slot.
type Settlement struct {
	once    sync.Once
	settled atomic.Bool
	sem     *Semaphore
}

// NewSettlement ties a delivery to a held slot of sem.
func NewSettlement(sem *Semaphore) *Settlement {
	return &Settlement{sem: sem}
}

// Settle runs fn the first time it is called and returns ErrSettled after
// that. The slot is released after fn returns, whatever its result.
func (s *Settlement) Settle(fn func() error) error {
	err := ErrSettled
	s.once.Do(func() {
		defer s.sem.Release()
		s.settled.Store(true)
		err = fn()
	})
	return err
}

// Settled reports whether Settle has been called.
func (s *Settlement) Settled() bool {
	return s.settled.Load()
}
