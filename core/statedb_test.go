package core

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// easyTarget is half the maximum target: every block built on it adds
// exactly one unit of work (log2(max/target) = 1), and about every second
// nonce satisfies it.
func easyTarget() [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = 0xff
	}
	t[0] = 0x7f
	return t
}

func newTestStateDB(t *testing.T) *StateDB {
	t.Helper()
	store := openTestStore(t)

	return NewStateDB(store,
		DifficultyParams{RetargetWindow: 1000, BlockTimeSecs: 60, StartingTarget: easyTarget()},
		ValidatorParams{MaxMessageLen: 256, MaxSkewSecs: 1000, MedianWindow: 11},
		RewardParams{Base: 50, HalvingPeriod: 0},
	)
}

// mineBlock fills in Nonce so the block satisfies its own target, using the
// same search routine the miner uses — these targets are easy enough that
// the search terminates within a few nonces.
func mineBlock(t *testing.T, b *Block) {
	t.Helper()
	ok, err := SearchNonce(context.Background(), &StopFlag{}, b, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func buildGenesis(t *testing.T, miner Address) *Block {
	t.Helper()
	b := &Block{
		Length: 0,
		Time:   1,
		Miner:  miner,
		Target: easyTarget(),
		Txs:    []Transaction{{Type: TxReward, Amount: 50}},
	}
	mineBlock(t, b)
	return b
}

func TestApplyGenesisBlock(t *testing.T) {
	sdb := newTestStateDB(t)
	miner := Address{1}
	genesis := buildGenesis(t, miner)

	require.NoError(t, sdb.ApplyBlock(genesis))

	hasTip, err := sdb.HasTip()
	require.NoError(t, err)
	assert.True(t, hasTip)

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), length)

	acct, err := sdb.GetAccount(miner)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), acct.Amount)
	assert.Equal(t, []uint64{0}, acct.MinedBlocks)
}

func TestApplyBlockRejectsWrongHeight(t *testing.T) {
	sdb := newTestStateDB(t)
	miner := Address{1}
	genesis := buildGenesis(t, miner)
	require.NoError(t, sdb.ApplyBlock(genesis))

	bad := &Block{
		Length: 5, // should be 1
		Time:   2,
		Miner:  miner,
		Target: easyTarget(),
		Txs:    []Transaction{{Type: TxReward, Amount: 50}},
	}
	mineBlock(t, bad)
	err := sdb.ApplyBlock(bad)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInadmissible))
}

// TestApplyAndUnapplySpendRoundTrip checks that unapplying the tip restores
// the prior state exactly, including balances, counts and tx-history
// bookkeeping on both sides of a transfer.
func TestApplyAndUnapplySpendRoundTrip(t *testing.T) {
	sdb := newTestStateDB(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	sender, err := MakeAddress([][]byte{pub}, 1)
	require.NoError(t, err)
	recipient := Address{9, 9}

	genesis := buildGenesis(t, sender)
	require.NoError(t, sdb.ApplyBlock(genesis))

	preSender, err := sdb.GetAccount(sender)
	require.NoError(t, err)
	preRecipient, err := sdb.GetAccount(recipient)
	require.NoError(t, err)
	preDiff, err := sdb.DiffLength()
	require.NoError(t, err)

	spend := Transaction{Type: TxSpend, Count: preSender.Count, PubKeys: [][]byte{pub}, Amount: 10, To: recipient, HasTo: true}
	digest, err := spend.SignDigest()
	require.NoError(t, err)
	spend.Signatures = [][]byte{Sign(digest, priv)}

	block1 := &Block{
		Length:   1,
		HasPrev:  true,
		Time:     2,
		Miner:    sender,
		Target:   easyTarget(),
		Txs:      []Transaction{{Type: TxReward, Amount: 50}, spend},
	}
	genesisHash, err := genesis.BlockHash()
	require.NoError(t, err)
	block1.PrevHash = genesisHash
	mineBlock(t, block1)

	require.NoError(t, sdb.ApplyBlock(block1))

	midSender, err := sdb.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, preSender.Amount+50-10, midSender.Amount)
	assert.Equal(t, preSender.Count+1, midSender.Count)

	midRecipient, err := sdb.GetAccount(recipient)
	require.NoError(t, err)
	assert.Equal(t, preRecipient.Amount+10, midRecipient.Amount)

	require.NoError(t, sdb.UnapplyBlock(block1))

	postSender, err := sdb.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, preSender, postSender)

	postRecipient, err := sdb.GetAccount(recipient)
	require.NoError(t, err)
	assert.Equal(t, preRecipient, postRecipient)

	postLength, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), postLength)

	postDiff, err := sdb.DiffLength()
	require.NoError(t, err)
	assert.Equal(t, preDiff.RatString(), postDiff.RatString())
}

func TestApplyBlockRejectsBadSignature(t *testing.T) {
	sdb := newTestStateDB(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	sender, err := MakeAddress([][]byte{pub}, 1)
	require.NoError(t, err)

	genesis := buildGenesis(t, sender)
	require.NoError(t, sdb.ApplyBlock(genesis))

	spend := Transaction{Type: TxSpend, Count: 0, PubKeys: [][]byte{pub}, Amount: 10, To: Address{2}, HasTo: true}
	digest, err := spend.SignDigest()
	require.NoError(t, err)
	spend.Signatures = [][]byte{Sign(digest, other)} // wrong key

	genesisHash, err := genesis.BlockHash()
	require.NoError(t, err)
	block1 := &Block{
		Length: 1, HasPrev: true, PrevHash: genesisHash, Time: 2, Miner: sender, Target: easyTarget(),
		Txs: []Transaction{{Type: TxReward, Amount: 50}, spend},
	}
	mineBlock(t, block1)

	err = sdb.ApplyBlock(block1)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInadmissible))

	length, lerr := sdb.Length()
	require.NoError(t, lerr)
	assert.Equal(t, uint64(0), length, "a rejected block must not move the tip")
}
