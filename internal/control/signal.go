// Package control holds the cooperative stop signal shared by capture and
// session goroutines.
package control

import (
	"sync"
	"sync/atomic"
)

// Signal is a one-way flag. Once set it stays set. Readers may poll IsSet or
// wait on Done.
type Signal struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set asserts the signal. Safe to call more than once.
func (s *Signal) Set() {
	s.set.Store(true)
	s.once.Do(func() { close(s.done) })
}

func (s *Signal) IsSet() bool {
	return s.set.Load()
}

// Done is closed when the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
