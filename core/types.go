// Package core implements the chain-and-state engine: the block and
// transaction data model, validation, proof-of-work, fork choice, the
// derived account-state database and the mempool.
package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Address identifies an account: the low 20 bytes of a detHash over its
// owning pubkey set and multisig threshold.
type Address [20]byte

func (a Address) String() string { return fmt.Sprintf("%x", a[:]) }

// MarshalJSON renders Address as a lowercase hex string, matching the HTTP
// query surface's JSON-bodies, lowercase-keys convention.
func (a Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// UnmarshalJSON parses a hex-encoded address.
func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(a) {
		return fmt.Errorf("invalid address %q", s)
	}
	copy(a[:], raw)
	return nil
}

// Hash is a 32-byte deterministic digest produced by DetHash.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// MarshalJSON renders Hash as a lowercase hex string.
func (h Hash) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }

// UnmarshalJSON parses a hex-encoded hash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return fmt.Errorf("invalid hash %q", s)
	}
	copy(h[:], raw)
	return nil
}

// StringToAddress parses a hex-encoded address, grounded on the
// core.StringToAddress helper (cmd/cli/account_and_balance_operations.go).
func StringToAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(a) {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	copy(a[:], raw)
	return a, nil
}

// TxType tags the per-variant shape of a Transaction.
type TxType uint8

const (
	TxSpend TxType = iota
	TxMint
	TxAuth
	TxJob
	TxReward
)

func (t TxType) String() string {
	switch t {
	case TxSpend:
		return "spend"
	case TxMint:
		return "mint"
	case TxAuth:
		return "auth"
	case TxJob:
		return "job"
	case TxReward:
		return "reward"
	default:
		return "unknown"
	}
}

// MarshalJSON renders TxType as its lowercase name.
func (t TxType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// UnmarshalJSON parses a TxType from its lowercase name.
func (t *TxType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "spend":
		*t = TxSpend
	case "mint":
		*t = TxMint
	case "auth":
		*t = TxAuth
	case "job":
		*t = TxJob
	case "reward":
		*t = TxReward
	default:
		return fmt.Errorf("unknown tx type %q", s)
	}
	return nil
}

// Transaction is the atomic unit of state change. Spend and job transactions
// carry signatures from the listed pubkeys; reward transactions are
// structurally implicit — synthesized by the block's miner — and carry none.
type Transaction struct {
	Type       TxType   `json:"type"`
	Count      uint64   `json:"count"`
	PubKeys    [][]byte `json:"pubkeys"`
	Signatures [][]byte `json:"signatures"`
	Amount     uint64   `json:"amount"`
	To         Address  `json:"to,omitempty"`
	HasTo      bool     `json:"has_to"`
	Message    []byte   `json:"message,omitempty"`
}

// Owner derives the transaction's owner address from its pubkey set,
// assuming a threshold of len(PubKeys) (n-of-n multisig is the only
// threshold this repo exercises; see DESIGN.md Open Questions).
func (t *Transaction) Owner() (Address, error) {
	return MakeAddress(t.PubKeys, len(t.PubKeys))
}

// withoutSignatures returns a shallow copy of t with Signatures cleared, used
// both to compute the txid and to derive the signed digest.
func (t *Transaction) withoutSignatures() Transaction {
	cp := *t
	cp.Signatures = nil
	return cp
}

// TxID is the deterministic hash of t with its Signatures field removed.
func (t *Transaction) TxID() (Hash, error) {
	enc, err := CanonEncode(t.withoutSignatures())
	if err != nil {
		return Hash{}, err
	}
	return DetHash(enc), nil
}

// SignDigest is the digest every entry of Signatures must verify against.
func (t *Transaction) SignDigest() (Hash, error) {
	return t.TxID()
}

// Block is an immutable record linking to a predecessor and carrying an
// ordered list of transactions, the first of which is a synthetic reward.
type Block struct {
	Length   uint64        `json:"length"`
	PrevHash Hash          `json:"prev_hash,omitempty"`
	HasPrev  bool          `json:"has_prev"`
	Target   [32]byte      `json:"-"`
	Time     int64         `json:"time"`
	Nonce    uint64        `json:"nonce"`
	Miner    Address       `json:"miner"`
	Txs      []Transaction `json:"txs"`
}

// TargetHex renders Target as a lowercase hex string for JSON output.
func (b Block) TargetHex() string { return fmt.Sprintf("%x", b.Target[:]) }

// MarshalJSON renders Block with Target as hex, since a raw [32]byte would
// otherwise serialize as a JSON array of small integers.
func (b Block) MarshalJSON() ([]byte, error) {
	type alias Block
	return json.Marshal(struct {
		alias
		Target string `json:"target"`
	}{alias(b), b.TargetHex()})
}

// UnmarshalJSON parses a Block whose Target was rendered as hex by MarshalJSON.
func (b *Block) UnmarshalJSON(data []byte) error {
	type alias Block
	aux := struct {
		alias
		Target string `json:"target"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = Block(aux.alias)
	raw, err := hex.DecodeString(aux.Target)
	if err != nil || len(raw) != len(b.Target) {
		return fmt.Errorf("invalid target %q", aux.Target)
	}
	copy(b.Target[:], raw)
	return nil
}

// BlockHash is the deterministic hash over all of a block's fields.
func (b *Block) BlockHash() (Hash, error) {
	enc, err := CanonEncode(*b)
	if err != nil {
		return Hash{}, err
	}
	return DetHash(enc), nil
}

// Account is the per-address derived state record.
type Account struct {
	Amount      uint64   `json:"amount"`
	Count       uint64   `json:"count"`
	TxBlocks    []uint64 `json:"tx_blocks,omitempty"`
	MinedBlocks []uint64 `json:"mined_blocks,omitempty"`
	AssignedJob string   `json:"assigned_job,omitempty"`
}

// TipState is the persisted chain tip metadata.
type TipState struct {
	Length      uint64 `json:"length"`
	DiffLength  string `json:"diff_length"` // big.Rat.RatString() — see core/difficulty.go
	KnownLength uint64 `json:"known_length"`
	TipHash     Hash   `json:"tip_hash,omitempty"`
}

// ForkEvent records one completed reorg for operator introspection,
// adapted from core/chain_fork_manager.go's candidate-fork bookkeeping.
type ForkEvent struct {
	Height    uint64 `json:"height"`
	OldTip    Hash   `json:"old_tip"`
	NewTip    Hash   `json:"new_tip"`
	DiffDelta string `json:"diff_delta"`
}
