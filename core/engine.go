package core

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
)

// EngineParams configures the chain engine's reorg bound.
type EngineParams struct {
	// ReorgDepthCap is K: the deepest local rollback a single reorg may
	// perform. A segment that would require unwinding further than this
	// is rejected outright.
	ReorgDepthCap uint64
}

type submitBlocksMsg struct {
	blocks []*Block
	resp   chan error
}

type submitTxMsg struct {
	tx     Transaction
	digest Hash
	resp   chan error
}

// Engine is the single writer of chain state, grounded on the consensus
// loop's Start goroutine/channel wiring in core/consensus.go: every
// mutation — a locally mined block, a peer's block segment, or a
// submitted transaction — is serialized through one message channel and
// one goroutine, so StateDB and Mempool never need their own locks for
// cross-block consistency.
type Engine struct {
	sdb     *StateDB
	mempool *Mempool
	forks   *ForkLog
	params  EngineParams
	log     *logrus.Entry

	msgs chan interface{}
	stop StopFlag
	wg   sync.WaitGroup

	// halted is set once a round-trip between ApplyBlock and UnapplyBlock
	// fails to restore a prior state exactly: from that point the chain
	// state can no longer be trusted, so run() stops applying anything
	// further. Only ever touched from within run(), the engine's single
	// writer goroutine.
	halted bool
}

// NewEngine constructs an Engine over sdb/mempool/forks but does not start
// its goroutine; call Start for that.
func NewEngine(sdb *StateDB, mempool *Mempool, forks *ForkLog, params EngineParams, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		sdb:     sdb,
		mempool: mempool,
		forks:   forks,
		params:  params,
		log:     log.WithField("component", "engine"),
		msgs:    make(chan interface{}, 64),
	}
}

// Start launches the writer goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Unregister requests the writer goroutine stop after draining msgs
// currently queued (implements Worker).
func (e *Engine) Unregister() {
	e.stop.Stop()
	close(e.msgs)
}

// Join blocks until the writer goroutine has exited (implements Worker).
func (e *Engine) Join() { e.wg.Wait() }

func (e *Engine) run() {
	defer e.wg.Done()
	for m := range e.msgs {
		if e.halted {
			err := fmt.Errorf("%w: engine halted after a fatal state inconsistency, rejecting all writes", ErrInconsistent)
			switch msg := m.(type) {
			case submitBlocksMsg:
				msg.resp <- err
			case submitTxMsg:
				msg.resp <- err
			}
			continue
		}
		switch msg := m.(type) {
		case submitBlocksMsg:
			msg.resp <- e.applySegment(msg.blocks)
		case submitTxMsg:
			msg.resp <- e.admitTx(msg.tx, msg.digest)
		}
	}
}

// fatal records a state inconsistency severe enough that the chain state
// can no longer be trusted — an ApplyBlock/UnapplyBlock round trip that
// failed to invert cleanly — and halts the engine: every message processed
// from this point on is rejected without being applied. Only called from
// within run(), so no locking is needed to set halted.
func (e *Engine) fatal(reason string, cause error) error {
	e.halted = true
	res := Fatal(reason)
	e.log.WithError(cause).Error(res.Error())
	return fmt.Errorf("%w: %s: %v", ErrInconsistent, res.Reason, cause)
}

// SubmitBlock enqueues a single locally-mined or peer-supplied block that
// is expected to extend the current tip directly.
func (e *Engine) SubmitBlock(b *Block) error {
	return e.SubmitBlocks([]*Block{b})
}

// SubmitBlocks enqueues a contiguous block segment — either a tip
// extension (segment[0].Length == local length+1) or a fork segment whose
// first block's PrevHash names an ancestor below the current tip — and
// blocks until the engine has processed it.
func (e *Engine) SubmitBlocks(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}
	resp := make(chan error, 1)
	e.msgs <- submitBlocksMsg{blocks: blocks, resp: resp}
	return <-resp
}

// SubmitTx validates t against the current tip state and, if admissible,
// adds it to the mempool.
func (e *Engine) SubmitTx(t Transaction) error {
	digest, err := t.SignDigest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	resp := make(chan error, 1)
	e.msgs <- submitTxMsg{tx: t, digest: digest, resp: resp}
	return <-resp
}

func (e *Engine) admitTx(t Transaction, digest Hash) error {
	owner, err := t.Owner()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	acct, err := e.sdb.GetAccount(owner)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	// A sender may already have transactions queued ahead of committed
	// state: project the account's Count forward past whatever this
	// sender already has pooled so a second, third, ... sequential spend
	// is checked against where the chain will be once the pool drains,
	// not against stale committed state.
	if pooled, ok := e.mempool.HighestPooledCount(owner); ok && pooled >= acct.Count {
		acct.Count = pooled + 1
	}
	if res := AdmissibleTx(&t, digest, acct, e.sdb.valParams); !res.IsOk() {
		return fmt.Errorf("%w: %s", ErrInadmissible, res.Reason)
	}
	return e.mempool.Add(t, digest)
}

// applySegment decides whether blocks extends the current tip directly or
// forks off below it, and dispatches to applyExtension or applyReorg
// accordingly.
func (e *Engine) applySegment(blocks []*Block) error {
	hasTip, err := e.sdb.HasTip()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !hasTip {
		return e.applyExtension(blocks)
	}

	localLength, err := e.sdb.Length()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if blocks[0].Length == localLength+1 {
		tip, err := e.sdb.BlockAtHeight(localLength)
		if err != nil {
			return err
		}
		tipHash, err := tip.BlockHash()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		if blocks[0].HasPrev && blocks[0].PrevHash == tipHash {
			return e.applyExtension(blocks)
		}
	}

	return e.applyReorg(blocks, localLength)
}

func (e *Engine) applyExtension(blocks []*Block) error {
	applied := 0
	for _, b := range blocks {
		if err := e.sdb.ApplyBlock(b); err != nil {
			for i := applied - 1; i >= 0; i-- {
				if uerr := e.sdb.UnapplyBlock(blocks[i]); uerr != nil {
					return e.fatal("failed to unwind a partially-applied segment", uerr)
				}
			}
			return err
		}
		e.mempool.RemoveApplied(b)
		applied++
	}
	return nil
}

// applyReorg attempts to replace the local chain's tail with blocks, a
// segment forking off at blocks[0].Length-1. It stashes local blocks down
// to the fork point, applies the candidate segment, and keeps whichever
// side ends with strictly greater diffLength — ties and losses restore the
// stashed local chain: ties are broken in favor of the chain already held
// locally.
func (e *Engine) applyReorg(blocks []*Block, localLength uint64) error {
	ancestorHeight := blocks[0].Length - 1
	if localLength < ancestorHeight {
		return fmt.Errorf("%w: fork segment does not connect to local chain", ErrInadmissible)
	}
	depth := localLength - ancestorHeight
	if depth > e.params.ReorgDepthCap {
		return fmt.Errorf("%w: reorg depth %d exceeds cap %d", ErrInadmissible, depth, e.params.ReorgDepthCap)
	}

	oldDiff, err := e.sdb.DiffLength()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	oldTip, err := e.sdb.BlockAtHeight(localLength)
	if err != nil {
		return err
	}
	oldTipHash, err := oldTip.BlockHash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}

	stashed := make([]*Block, 0, depth)
	for h := localLength; h > ancestorHeight; h-- {
		b, err := e.sdb.BlockAtHeight(h)
		if err != nil {
			return err
		}
		if err := e.sdb.UnapplyBlock(b); err != nil {
			return e.fatal("failed to unwind local chain to the fork point", err)
		}
		stashed = append(stashed, b) // descending height order
	}
	restoreStash := func() error {
		for i := len(stashed) - 1; i >= 0; i-- {
			if err := e.sdb.ApplyBlock(stashed[i]); err != nil {
				return e.fatal("failed to restore the stashed local chain", err)
			}
		}
		return nil
	}

	applied := 0
	var applyErr error
	for _, b := range blocks {
		if err := e.sdb.ApplyBlock(b); err != nil {
			applyErr = err
			break
		}
		applied++
	}
	if applyErr != nil {
		for i := applied - 1; i >= 0; i-- {
			if err := e.sdb.UnapplyBlock(blocks[i]); err != nil {
				return e.fatal("failed to unwind a rejected candidate segment", err)
			}
		}
		if err := restoreStash(); err != nil {
			return err
		}
		return applyErr
	}

	newDiff, err := e.sdb.DiffLength()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if newDiff.Cmp(oldDiff) <= 0 {
		for i := len(blocks) - 1; i >= 0; i-- {
			if err := e.sdb.UnapplyBlock(blocks[i]); err != nil {
				return e.fatal("failed to unwind a losing candidate segment", err)
			}
		}
		if err := restoreStash(); err != nil {
			return err
		}
		return fmt.Errorf("%w: candidate segment does not exceed local diffLength", ErrInadmissible)
	}

	for _, b := range stashed {
		e.mempool.Readmit(b)
	}
	for _, b := range blocks {
		e.mempool.RemoveApplied(b)
	}
	newTip := blocks[len(blocks)-1]
	newTipHash, err := newTip.BlockHash()
	if err == nil {
		e.forks.Record(ForkEvent{
			Height:    newTip.Length,
			OldTip:    oldTipHash,
			NewTip:    newTipHash,
			DiffDelta: new(big.Rat).Sub(newDiff, oldDiff).String(),
		})
	}
	e.log.WithFields(logrus.Fields{
		"ancestor_height": ancestorHeight,
		"depth":           depth,
		"new_length":      newTip.Length,
	}).Info("reorg applied")
	return nil
}
