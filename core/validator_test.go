package core

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissibleTxAcceptsValidSpend(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()

	tx := Transaction{Type: TxSpend, Count: 0, PubKeys: [][]byte{pub}, Amount: 10}
	digest, err := tx.SignDigest()
	require.NoError(t, err)
	tx.Signatures = [][]byte{Sign(digest, priv)}

	owner := Account{Amount: 100, Count: 0}
	res := AdmissibleTx(&tx, digest, owner, ValidatorParams{MaxMessageLen: 64})
	assert.True(t, res.IsOk(), res.Reason)
}

func TestAdmissibleTxRejectsBadSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()

	tx := Transaction{Type: TxSpend, Count: 0, PubKeys: [][]byte{pub}, Amount: 10}
	digest, err := tx.SignDigest()
	require.NoError(t, err)
	tx.Signatures = [][]byte{Sign(digest, other)} // signed by the wrong key

	owner := Account{Amount: 100, Count: 0}
	res := AdmissibleTx(&tx, digest, owner, ValidatorParams{MaxMessageLen: 64})
	assert.False(t, res.IsOk())
}

func TestAdmissibleTxRejectsCountMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()

	tx := Transaction{Type: TxSpend, Count: 5, PubKeys: [][]byte{pub}, Amount: 10}
	digest, err := tx.SignDigest()
	require.NoError(t, err)
	tx.Signatures = [][]byte{Sign(digest, priv)}

	owner := Account{Amount: 100, Count: 0} // expects Count 0, tx carries 5
	res := AdmissibleTx(&tx, digest, owner, ValidatorParams{MaxMessageLen: 64})
	assert.False(t, res.IsOk())
}

func TestAdmissibleTxRejectsInsufficientBalance(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()

	tx := Transaction{Type: TxSpend, Count: 0, PubKeys: [][]byte{pub}, Amount: 1000}
	digest, err := tx.SignDigest()
	require.NoError(t, err)
	tx.Signatures = [][]byte{Sign(digest, priv)}

	owner := Account{Amount: 1, Count: 0}
	res := AdmissibleTx(&tx, digest, owner, ValidatorParams{MaxMessageLen: 64})
	assert.False(t, res.IsOk())
}

func TestAdmissibleTxRejectsOversizedMessage(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()

	tx := Transaction{Type: TxJob, Count: 0, PubKeys: [][]byte{pub}, Message: []byte("0123456789")}
	digest, err := tx.SignDigest()
	require.NoError(t, err)
	tx.Signatures = [][]byte{Sign(digest, priv)}

	res := AdmissibleTx(&tx, digest, Account{}, ValidatorParams{MaxMessageLen: 4})
	assert.False(t, res.IsOk())
}

func TestRewardForHalves(t *testing.T) {
	assert.Equal(t, uint64(50), RewardFor(0, 50, 1000))
	assert.Equal(t, uint64(50), RewardFor(999, 50, 1000))
	assert.Equal(t, uint64(25), RewardFor(1000, 50, 1000))
	assert.Equal(t, uint64(12), RewardFor(2000, 50, 1000))
}

func TestRewardForNoHalvingWhenPeriodZero(t *testing.T) {
	assert.Equal(t, uint64(50), RewardFor(1_000_000, 50, 0))
}

func TestRewardForEventuallyZero(t *testing.T) {
	assert.Equal(t, uint64(0), RewardFor(1000*64, 50, 1000))
}

func TestCheckRewardTxAcceptsWellFormed(t *testing.T) {
	tx := Transaction{Type: TxReward, Amount: 50}
	res := CheckRewardTx(&tx, Address{1}, 50)
	assert.True(t, res.IsOk(), res.Reason)
}

func TestCheckRewardTxRejectsExplicitRecipient(t *testing.T) {
	tx := Transaction{Type: TxReward, Amount: 50, HasTo: true, To: Address{2}}
	res := CheckRewardTx(&tx, Address{1}, 50)
	assert.False(t, res.IsOk())
}

func TestCheckRewardTxRejectsWrongAmount(t *testing.T) {
	tx := Transaction{Type: TxReward, Amount: 40}
	res := CheckRewardTx(&tx, Address{1}, 50)
	assert.False(t, res.IsOk())
}

func TestCheckRewardTxRejectsSignedReward(t *testing.T) {
	tx := Transaction{Type: TxReward, Amount: 50, Signatures: [][]byte{{1}}}
	res := CheckRewardTx(&tx, Address{1}, 50)
	assert.False(t, res.IsOk())
}

func TestAcceptableBlockHeaderRejectsStaleTimestamp(t *testing.T) {
	var target [32]byte
	for i := range target {
		target[i] = 0xff
	}
	b := &Block{Length: 5, Time: 100, Target: target, Miner: Address{1}}
	res := AcceptableBlockHeader(b, 5, target, 200, 1000, ValidatorParams{MaxSkewSecs: 10})
	assert.False(t, res.IsOk(), "timestamp not exceeding median must be rejected")
}

func TestAcceptableBlockHeaderRejectsTargetMismatch(t *testing.T) {
	var target, other [32]byte
	for i := range target {
		target[i] = 0xff
	}
	other[31] = 0x01
	b := &Block{Length: 5, Time: 500, Target: other, Miner: Address{1}}
	res := AcceptableBlockHeader(b, 5, target, 0, 500, ValidatorParams{MaxSkewSecs: 10})
	assert.False(t, res.IsOk())
}
