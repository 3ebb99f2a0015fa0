package core

import (
	"context"
	"time"
)

// yieldInterval bounds how many nonces are tried between cooperative yield
// checks, turning a long-running blocking mining thread into a
// cooperative loop with a bounded per-iteration budget.
const yieldInterval = 1 << 16

// TipChanged is polled by SearchNonce between yield intervals; the miner
// aborts as soon as it reports true, the current tip having moved under
// it — every yieldInterval attempts it re-reads the tip and aborts if it
// has moved.
type TipChanged func() bool

// SearchNonce iterates candidate.Nonce over [0, 2^64) until its blockhash,
// interpreted as an integer, is below its target, yielding cooperatively
// every yieldInterval attempts. It returns ok=false if ctx is cancelled, the
// stop flag trips, or tipChanged reports the tip moved — grounded on the
// SealMainBlockPOW nonce loop (core/consensus.go), generalized to this
// package's cancellation contract.
func SearchNonce(ctx context.Context, stop *StopFlag, candidate *Block, tipChanged TipChanged) (ok bool, err error) {
	for {
		for i := 0; i < yieldInterval; i++ {
			h, herr := candidate.BlockHash()
			if herr != nil {
				return false, herr
			}
			if BelowTarget(h, candidate.Target) {
				return true, nil
			}
			candidate.Nonce++
			if candidate.Nonce == 0 {
				// wrapped past 2^64-1 with no solution at this difficulty/time.
				return false, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		if stop.Stopped() {
			return false, nil
		}
		if tipChanged != nil && tipChanged() {
			return false, nil
		}
		// yield to the scheduler between budgeted bursts.
		time.Sleep(0)
	}
}
