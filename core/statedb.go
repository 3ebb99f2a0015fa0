package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// Key prefixes for the persisted layout.
const (
	keyLength      = "length"
	keyDiffLength  = "diffLength"
	keyKnownLength = "known_length"
	keyInit        = "init"
	prefixAccount  = "acct:"
	prefixBlock    = "block:"
	prefixTarget   = "target:"
	prefixTime     = "time:"
)

func heightKey(prefix string, h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return append([]byte(prefix), b[:]...)
}

func acctKey(a Address) []byte { return append([]byte(prefixAccount), a[:]...) }

// StateDB maintains per-address accounts and global tip metadata, derived
// deterministically by replaying applied blocks. It is a thin,
// mutex-free layer over Store — serialization is the chain engine's job
// (the chain engine is the single writer), not this type's.
type StateDB struct {
	store      *Store
	diffParams DifficultyParams
	valParams  ValidatorParams
	reward     RewardParams
}

// RewardParams configures the block reward schedule; reward schedule is
// runtime configuration rather than a compiled-in constant.
type RewardParams struct {
	Base          uint64
	HalvingPeriod uint64
}

// NewStateDB constructs a StateDB over an already-open Store.
func NewStateDB(store *Store, diffParams DifficultyParams, valParams ValidatorParams, reward RewardParams) *StateDB {
	return &StateDB{store: store, diffParams: diffParams, valParams: valParams, reward: reward}
}

// HasTip reports whether any block has been applied yet.
func (sdb *StateDB) HasTip() (bool, error) {
	return sdb.store.Exists([]byte(keyInit))
}

// Length returns the height of the local tip. Only valid when HasTip is true.
func (sdb *StateDB) Length() (uint64, error) {
	v, ok, err := sdb.store.Get([]byte(keyLength))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// DiffLength returns the cumulative work of the applied chain.
func (sdb *StateDB) DiffLength() (*big.Rat, error) {
	v, ok, err := sdb.store.Get([]byte(keyDiffLength))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewRat(0, 1), nil
	}
	r, ok := new(big.Rat).SetString(string(v))
	if !ok {
		return nil, fmt.Errorf("%w: corrupt diffLength", ErrInconsistent)
	}
	return r, nil
}

// KnownLength returns the best height reported by any peer.
func (sdb *StateDB) KnownLength() (uint64, error) {
	v, ok, err := sdb.store.Get([]byte(keyKnownLength))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetKnownLength persists the best height announced by any peer.
func (sdb *StateDB) SetKnownLength(h uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return sdb.store.Put([]byte(keyKnownLength), b[:])
}

// GetAccount returns the account record for addr, or the zero Account if
// addr has never been seen.
func (sdb *StateDB) GetAccount(addr Address) (Account, error) {
	v, ok, err := sdb.store.Get(acctKey(addr))
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, nil
	}
	var a Account
	if err := json.Unmarshal(v, &a); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return a, nil
}

func getAccountTx(txn *Txn, addr Address) (Account, error) {
	v, ok, err := txn.Get(acctKey(addr))
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, nil
	}
	var a Account
	if err := json.Unmarshal(v, &a); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return a, nil
}

func putAccountTx(txn *Txn, addr Address, a Account) error {
	v, err := json.Marshal(a)
	if err != nil {
		return err
	}
	txn.Put(acctKey(addr), v)
	return nil
}

// BlockAtHeight returns the block stored at height h.
func (sdb *StateDB) BlockAtHeight(h uint64) (*Block, error) {
	v, ok, err := sdb.store.Get(heightKey(prefixBlock, h))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no block at height %d", ErrInconsistent, h)
	}
	var b Block
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return &b, nil
}

func (sdb *StateDB) targetAtHeight(h uint64) ([32]byte, error) {
	v, ok, err := sdb.store.Get(heightKey(prefixTarget, h))
	if err != nil {
		return [32]byte{}, err
	}
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: no target at height %d", ErrInconsistent, h)
	}
	var out [32]byte
	copy(out[:], v)
	return out, nil
}

func (sdb *StateDB) timeAtHeight(h uint64) (int64, error) {
	v, ok, err := sdb.store.Get(heightKey(prefixTime, h))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: no time at height %d", ErrInconsistent, h)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// MedianTime returns the median of the block times in (h-window, h], the
// "median of the last 11 block times" check (window is
// ValidatorParams.MedianWindow).
func (sdb *StateDB) MedianTime(h uint64) (int64, error) {
	window := sdb.valParams.MedianWindow
	if window <= 0 {
		window = 11
	}
	var times []int64
	start := int64(h) - int64(window) + 1
	if start < 0 {
		start = 0
	}
	for i := uint64(start); i <= h; i++ {
		t, err := sdb.timeAtHeight(i)
		if err != nil {
			continue
		}
		times = append(times, t)
	}
	if len(times) == 0 {
		return 0, nil
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2], nil
}

// ApplyBlock validates and applies b as the new tip, per the five-step
// validate-then-mutate contract, inside a single Store transaction. On any
// validation failure it rolls back and returns a wrapped ErrInadmissible;
// on any internal invariant break it returns a wrapped ErrInconsistent and
// the caller (the chain engine) must halt writes.
func (sdb *StateDB) ApplyBlock(b *Block) error {
	hasTip, err := sdb.HasTip()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if hasTip {
		length, err := sdb.Length()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if b.Length != length+1 {
			return fmt.Errorf("%w: expected height %d, got %d", ErrInadmissible, length+1, b.Length)
		}
		tipBlock, err := sdb.BlockAtHeight(length)
		if err != nil {
			return err
		}
		tipHash, err := tipBlock.BlockHash()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		if !b.HasPrev || b.PrevHash != tipHash {
			return fmt.Errorf("%w: prevHash does not match tip", ErrInadmissible)
		}
	} else if b.Length != 0 || b.HasPrev {
		return fmt.Errorf("%w: genesis must have length 0 and no prevHash", ErrInadmissible)
	}

	expectedTarget, err := sdb.TargetAt(b.Length)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var medianTime int64
	if b.Length > 0 {
		medianTime, err = sdb.MedianTime(b.Length - 1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if res := AcceptableBlockHeader(b, b.Length, expectedTarget, medianTime, time.Now().Unix(), sdb.valParams); !res.IsOk() {
		return fmt.Errorf("%w: %s", ErrInadmissible, res.Reason)
	}

	if len(b.Txs) == 0 {
		return fmt.Errorf("%w: block has no reward transaction", ErrInadmissible)
	}
	rewardAmount := RewardFor(b.Length, sdb.reward.Base, sdb.reward.HalvingPeriod)
	if res := CheckRewardTx(&b.Txs[0], b.Miner, rewardAmount); !res.IsOk() {
		return fmt.Errorf("%w: %s", ErrInadmissible, res.Reason)
	}

	txn := sdb.store.Begin()
	rollback := true
	defer func() {
		if rollback {
			txn.Rollback()
		}
	}()

	miner, err := getAccountTx(txn, b.Miner)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	miner.Amount += rewardAmount
	miner.MinedBlocks = append(miner.MinedBlocks, b.Length)
	if err := putAccountTx(txn, b.Miner, miner); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	for i := 1; i < len(b.Txs); i++ {
		t := &b.Txs[i]
		owner, err := t.Owner()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInadmissible, err)
		}
		ownerAcct, err := getAccountTx(txn, owner)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		digest, err := t.SignDigest()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInadmissible, err)
		}
		if res := AdmissibleTx(t, digest, ownerAcct, sdb.valParams); !res.IsOk() {
			return fmt.Errorf("%w: tx %d: %s", ErrInadmissible, i, res.Reason)
		}

		switch t.Type {
		case TxSpend:
			if !t.HasTo {
				return fmt.Errorf("%w: spend tx %d has no recipient", ErrInadmissible, i)
			}
			recv, err := getAccountTx(txn, t.To)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			ownerAcct.Amount -= t.Amount
			ownerAcct.Count++
			ownerAcct.TxBlocks = append(ownerAcct.TxBlocks, b.Length)
			recv.Amount += t.Amount
			recv.TxBlocks = append(recv.TxBlocks, b.Length)
			if err := putAccountTx(txn, owner, ownerAcct); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if err := putAccountTx(txn, t.To, recv); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		case TxJob:
			ownerAcct.AssignedJob = string(t.Message)
			if err := putAccountTx(txn, owner, ownerAcct); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		default:
			if err := putAccountTx(txn, owner, ownerAcct); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
	}

	blockBytes, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	txn.Put(heightKey(prefixBlock, b.Length), blockBytes)
	txn.Put(heightKey(prefixTarget, b.Length), append([]byte{}, b.Target[:]...))
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], uint64(b.Time))
	txn.Put(heightKey(prefixTime, b.Length), timeBytes[:])

	var lengthBytes [8]byte
	binary.BigEndian.PutUint64(lengthBytes[:], b.Length)
	txn.Put([]byte(keyLength), lengthBytes[:])
	txn.Put([]byte(keyInit), []byte{1})

	curDiff, err := sdb.DiffLength()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	newDiff := new(big.Rat).Add(curDiff, BlockWork(b.Target))
	txn.Put([]byte(keyDiffLength), []byte(newDiff.RatString()))

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	rollback = false
	return nil
}

// UnapplyBlock is the exact inverse of ApplyBlock: it must restore
// byte-identical prior state. b must be the current tip.
func (sdb *StateDB) UnapplyBlock(b *Block) error {
	length, err := sdb.Length()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if b.Length != length {
		return fmt.Errorf("%w: unapply target is not the current tip", ErrInconsistent)
	}

	txn := sdb.store.Begin()
	rollback := true
	defer func() {
		if rollback {
			txn.Rollback()
		}
	}()

	rewardAmount := RewardFor(b.Length, sdb.reward.Base, sdb.reward.HalvingPeriod)
	miner, err := getAccountTx(txn, b.Miner)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	miner.Amount -= rewardAmount
	miner.MinedBlocks = popHeight(miner.MinedBlocks, b.Length)
	if err := putAccountTx(txn, b.Miner, miner); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	for i := len(b.Txs) - 1; i >= 1; i-- {
		t := &b.Txs[i]
		owner, err := t.Owner()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		ownerAcct, err := getAccountTx(txn, owner)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		switch t.Type {
		case TxSpend:
			recv, err := getAccountTx(txn, t.To)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			ownerAcct.Amount += t.Amount
			ownerAcct.Count--
			ownerAcct.TxBlocks = popHeight(ownerAcct.TxBlocks, b.Length)
			recv.Amount -= t.Amount
			recv.TxBlocks = popHeight(recv.TxBlocks, b.Length)
			if err := putAccountTx(txn, owner, ownerAcct); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if err := putAccountTx(txn, t.To, recv); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		default:
			if err := putAccountTx(txn, owner, ownerAcct); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
	}

	txn.Delete(heightKey(prefixBlock, b.Length))
	txn.Delete(heightKey(prefixTarget, b.Length))
	txn.Delete(heightKey(prefixTime, b.Length))

	curDiff, err := sdb.DiffLength()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	newDiff := new(big.Rat).Sub(curDiff, BlockWork(b.Target))
	txn.Put([]byte(keyDiffLength), []byte(newDiff.RatString()))

	if b.Length == 0 {
		txn.Delete([]byte(keyLength))
		txn.Delete([]byte(keyInit))
	} else {
		var lengthBytes [8]byte
		binary.BigEndian.PutUint64(lengthBytes[:], b.Length-1)
		txn.Put([]byte(keyLength), lengthBytes[:])
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	rollback = false
	return nil
}

func popHeight(hs []uint64, h uint64) []uint64 {
	for i := len(hs) - 1; i >= 0; i-- {
		if hs[i] == h {
			return append(hs[:i], hs[i+1:]...)
		}
	}
	return hs
}
