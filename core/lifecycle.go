package core

import "sync/atomic"

// StopFlag is a worker's cancellation signal. Each worker (miner, peer
// sync, chain engine) holds its own flag, tripped by its own Unregister;
// there is no single flag shared across the process.
type StopFlag struct {
	flag atomic.Bool
}

// Stop trips the flag. Idempotent.
func (s *StopFlag) Stop() { s.flag.Store(true) }

// Stopped reports whether Stop has been called.
func (s *StopFlag) Stopped() bool { return s.flag.Load() }

// Worker is the unregister/join contract every long-running loop in this
// package implements: Unregister requests the loop stop, Join blocks
// until it has actually terminated.
type Worker interface {
	Unregister()
	Join()
}
