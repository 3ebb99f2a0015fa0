package core

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, reorgCap uint64) (*Engine, *StateDB, *Mempool, *ForkLog) {
	t.Helper()
	sdb := newTestStateDB(t)
	mempool := NewMempool(MempoolParams{})
	forks := NewForkLog()
	e := NewEngine(sdb, mempool, forks, EngineParams{ReorgDepthCap: reorgCap}, nil)
	return e, sdb, mempool, forks
}

// mineChild builds and mines a block extending prev, carrying only the
// synthetic reward transaction unless extra is supplied.
func mineChild(t *testing.T, prev *Block, miner Address, tstamp int64, extra ...Transaction) *Block {
	t.Helper()
	prevHash, err := prev.BlockHash()
	require.NoError(t, err)
	txs := append([]Transaction{{Type: TxReward, Amount: 50}}, extra...)
	b := &Block{
		Length:   prev.Length + 1,
		HasPrev:  true,
		PrevHash: prevHash,
		Time:     tstamp,
		Miner:    miner,
		Target:   easyTarget(),
		Txs:      txs,
	}
	mineBlock(t, b)
	return b
}

func tipHashOf(t *testing.T, sdb *StateDB) Hash {
	t.Helper()
	length, err := sdb.Length()
	require.NoError(t, err)
	b, err := sdb.BlockAtHeight(length)
	require.NoError(t, err)
	h, err := b.BlockHash()
	require.NoError(t, err)
	return h
}

func TestEngineAppliesGenesisThenExtendsTip(t *testing.T) {
	e, sdb, _, _ := newTestEngine(t, 10)
	miner := Address{1}
	genesis := buildGenesis(t, miner)
	require.NoError(t, e.applySegment([]*Block{genesis}))

	a1 := mineChild(t, genesis, miner, 2)
	require.NoError(t, e.applySegment([]*Block{a1}))

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestEngineReorgWinsOnGreaterDiffLength(t *testing.T) {
	e, sdb, _, forks := newTestEngine(t, 10)
	miner := Address{1}
	genesis := buildGenesis(t, miner)
	require.NoError(t, e.applySegment([]*Block{genesis}))
	a1 := mineChild(t, genesis, miner, 2)
	require.NoError(t, e.applySegment([]*Block{a1}))

	// a competing two-block segment forking at genesis: more total work
	// than the single-block local tail, so it must win.
	b1 := mineChild(t, genesis, Address{2}, 2)
	b2 := mineChild(t, b1, Address{2}, 3)

	require.NoError(t, e.applySegment([]*Block{b1, b2}))

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), length)

	b2Hash, err := b2.BlockHash()
	require.NoError(t, err)
	assert.Equal(t, b2Hash, tipHashOf(t, sdb))
	assert.Len(t, forks.Recent(), 1)
}

func TestEngineReorgTieKeepsLocalChain(t *testing.T) {
	e, sdb, _, forks := newTestEngine(t, 10)
	miner := Address{1}
	genesis := buildGenesis(t, miner)
	require.NoError(t, e.applySegment([]*Block{genesis}))
	a1 := mineChild(t, genesis, miner, 2)
	require.NoError(t, e.applySegment([]*Block{a1}))
	a1Hash, err := a1.BlockHash()
	require.NoError(t, err)

	// an equal-length, equal-work competing single block: local must win
	// the tie, since a tie favors the chain already held locally.
	c1 := mineChild(t, genesis, Address{2}, 2)

	err = e.applySegment([]*Block{c1})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInadmissible))

	length, lerr := sdb.Length()
	require.NoError(t, lerr)
	assert.Equal(t, uint64(1), length)
	assert.Equal(t, a1Hash, tipHashOf(t, sdb))
	assert.Empty(t, forks.Recent())
}

func TestEngineReorgDepthCapRejectsDeepRollback(t *testing.T) {
	e, sdb, _, _ := newTestEngine(t, 2) // cap at 2
	miner := Address{1}
	genesis := buildGenesis(t, miner)
	require.NoError(t, e.applySegment([]*Block{genesis}))

	cur := genesis
	for i := 0; i < 5; i++ {
		cur = mineChild(t, cur, miner, int64(2+i))
		require.NoError(t, e.applySegment([]*Block{cur}))
	}
	localLength, err := sdb.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(5), localLength)
	localTip := tipHashOf(t, sdb)

	// a segment forking off genesis requires unwinding 5 blocks, past the cap of 2.
	rogue := mineChild(t, genesis, Address{2}, 2)

	err = e.applySegment([]*Block{rogue})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInadmissible))

	afterLength, lerr := sdb.Length()
	require.NoError(t, lerr)
	assert.Equal(t, localLength, afterLength)
	assert.Equal(t, localTip, tipHashOf(t, sdb))
}

func TestEngineReorgUnwindsFullyOnMidSegmentFailure(t *testing.T) {
	e, sdb, _, forks := newTestEngine(t, 10)
	miner := Address{1}
	genesis := buildGenesis(t, miner)
	require.NoError(t, e.applySegment([]*Block{genesis}))
	a1 := mineChild(t, genesis, miner, 2)
	require.NoError(t, e.applySegment([]*Block{a1}))
	preTip := tipHashOf(t, sdb)
	preDiff, err := sdb.DiffLength()
	require.NoError(t, err)

	// first block of the candidate segment is fine, but the second carries
	// a malformed spend (bad signature) and must fail the whole submission.
	b1 := mineChild(t, genesis, Address{2}, 2)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	badSpend := Transaction{Type: TxSpend, Count: 0, PubKeys: [][]byte{pub}, Amount: 1, To: Address{9}, HasTo: true}
	digest, err := badSpend.SignDigest()
	require.NoError(t, err)
	badSpend.Signatures = [][]byte{Sign(digest, other)}
	b2 := mineChild(t, b1, Address{2}, 3, badSpend)

	err = e.applySegment([]*Block{b1, b2})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInadmissible))

	length, lerr := sdb.Length()
	require.NoError(t, lerr)
	assert.Equal(t, uint64(1), length, "a failing segment must leave the tip exactly where it was")
	assert.Equal(t, preTip, tipHashOf(t, sdb))

	postDiff, derr := sdb.DiffLength()
	require.NoError(t, derr)
	assert.Equal(t, preDiff.RatString(), postDiff.RatString())
	assert.Empty(t, forks.Recent())
}

// TestEngineReorgReadmitsStashedTransactions exercises 's mempool
// contract: a stashed local block's non-reward transactions return to the
// pool once a winning competing segment displaces it.
func TestEngineReorgReadmitsStashedTransactions(t *testing.T) {
	e, _, mempool, _ := newTestEngine(t, 10)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	sender, err := MakeAddress([][]byte{pub}, 1)
	require.NoError(t, err)

	genesis := buildGenesis(t, sender)
	require.NoError(t, e.applySegment([]*Block{genesis}))

	spend := Transaction{Type: TxSpend, Count: 0, PubKeys: [][]byte{pub}, Amount: 5, To: Address{3}, HasTo: true}
	digest, err := spend.SignDigest()
	require.NoError(t, err)
	spend.Signatures = [][]byte{Sign(digest, priv)}
	spendID, err := spend.TxID()
	require.NoError(t, err)

	a1 := mineChild(t, genesis, sender, 2, spend)
	require.NoError(t, e.applySegment([]*Block{a1}))
	assert.Equal(t, 0, mempool.Len(), "applying a1 must not leave its own tx in the pool")

	b1 := mineChild(t, genesis, Address{7}, 2)
	b2 := mineChild(t, b1, Address{7}, 3)
	require.NoError(t, e.applySegment([]*Block{b1, b2}))

	_, found := mempool.Get(spendID)
	assert.True(t, found, "a1's spend transaction must be readmitted once a1 is stashed by a winning reorg")
}
