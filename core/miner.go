package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MinerParams configures candidate-block assembly.
type MinerParams struct {
	Miner        Address
	MaxTxsPerBlock int
	RetryDelay   time.Duration // pause between failed/aborted search attempts
}

// Miner repeatedly assembles a candidate block from the mempool and the
// current tip, searches for a satisfying nonce, and submits it to the
// Engine on success — grounded on the SealMainBlockPOW / DistributeRewards
// pairing (core/consensus.go), generalized to a configurable reward
// schedule instead of a hard-coded split.
type Miner struct {
	engine  *Engine
	sdb     *StateDB
	mempool *Mempool
	params  MinerParams
	log     *logrus.Entry

	onBlock func(*Block) // optional hook, e.g. gossip publish

	stop StopFlag
	wg   sync.WaitGroup
}

// NewMiner constructs a Miner. onBlock, if non-nil, is called after each
// block this miner successfully submits.
func NewMiner(engine *Engine, sdb *StateDB, mempool *Mempool, params MinerParams, log *logrus.Entry, onBlock func(*Block)) *Miner {
	if params.MaxTxsPerBlock <= 0 {
		params.MaxTxsPerBlock = 2000
	}
	if params.RetryDelay <= 0 {
		params.RetryDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Miner{
		engine:  engine,
		sdb:     sdb,
		mempool: mempool,
		params:  params,
		log:     log.WithField("component", "miner"),
		onBlock: onBlock,
	}
}

// Start launches the mining loop (implements Worker via Unregister/Join).
func (m *Miner) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *Miner) Unregister() { m.stop.Stop() }
func (m *Miner) Join()       { m.wg.Wait() }

func (m *Miner) run(ctx context.Context) {
	defer m.wg.Done()
	for !m.stop.Stopped() {
		if ctx.Err() != nil {
			return
		}
		mined, err := m.attempt(ctx)
		if err != nil {
			m.log.WithError(err).Warn("mining attempt failed")
			time.Sleep(m.params.RetryDelay)
			continue
		}
		if !mined {
			time.Sleep(m.params.RetryDelay)
		}
	}
}

func (m *Miner) attempt(ctx context.Context) (bool, error) {
	hasTip, err := m.sdb.HasTip()
	if err != nil {
		return false, err
	}
	startLength, err := m.sdb.Length()
	if err != nil {
		return false, err
	}

	candidate := &Block{Miner: m.params.Miner, Time: time.Now().Unix()}
	if hasTip {
		tip, err := m.sdb.BlockAtHeight(startLength)
		if err != nil {
			return false, err
		}
		tipHash, err := tip.BlockHash()
		if err != nil {
			return false, err
		}
		candidate.Length = startLength + 1
		candidate.PrevHash = tipHash
		candidate.HasPrev = true
	} else {
		candidate.Length = 0
		candidate.HasPrev = false
	}

	target, err := m.sdb.TargetAt(candidate.Length)
	if err != nil {
		return false, err
	}
	candidate.Target = target

	reward := RewardFor(candidate.Length, m.sdb.reward.Base, m.sdb.reward.HalvingPeriod)
	candidate.Txs = append(candidate.Txs, Transaction{
		Type:   TxReward,
		Amount: reward,
	})
	candidate.Txs = append(candidate.Txs, m.mempool.CandidateTxs(m.params.MaxTxsPerBlock)...)

	tipChanged := func() bool {
		cur, err := m.sdb.Length()
		if err != nil {
			return false
		}
		return cur != startLength
	}

	ok, err := SearchNonce(ctx, &m.stop, candidate, tipChanged)
	if err != nil || !ok {
		return false, err
	}

	if err := m.engine.SubmitBlock(candidate); err != nil {
		return false, err
	}
	if m.onBlock != nil {
		m.onBlock(candidate)
	}
	return true, nil
}
