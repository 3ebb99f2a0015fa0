package core

// ValidatorParams bundles the configuration knobs the admissibility and
// acceptability predicates need, kept explicit so these functions stay
// pure — no StateDB, no KV store, no globals.
type ValidatorParams struct {
	MaxMessageLen int
	MaxSkewSecs   int64
	MedianWindow  int // number of preceding blocks whose times are medianed (11 by default)
}

// AdmissibleTx checks the predicates that do not require looking anything
// up beyond the caller-supplied owner snapshot: pubkey/sig
// count match, every signature verifies, for spend transactions only the
// owner has sufficient balance and the expected count (other types are not
// checked against the owner's balance or count), amount is non-negative
// (enforced by the unsigned type), the message fits the configured cap. `digest` is the tx's signed
// digest (TxID with signatures stripped).
func AdmissibleTx(t *Transaction, digest Hash, owner Account, params ValidatorParams) Result {
	if len(t.PubKeys) == 0 {
		return Reject("no pubkeys")
	}
	if len(t.PubKeys) != len(t.Signatures) {
		return Reject("pubkey/signature count mismatch")
	}
	for i, pk := range t.PubKeys {
		pub, err := ParsePublicKey(pk)
		if err != nil {
			return Reject("malformed pubkey")
		}
		if !Verify(digest, t.Signatures[i], pub) {
			return Reject("signature verification failed")
		}
	}
	if t.Type == TxSpend {
		if owner.Count != t.Count {
			return Reject("count mismatch")
		}
		if owner.Amount < t.Amount {
			return Reject("insufficient balance")
		}
	}
	if len(t.Message) > params.MaxMessageLen {
		return Reject("message too long")
	}
	return Ok
}

// RewardFor computes the block reward at height h under a halving schedule:
// base reward right-shifted once per halvingPeriod blocks elapsed. A
// halvingPeriod of 0 disables halving (constant reward), matching the
// same halving shape as DistributeRewards (core/consensus.go) with a
// configurable period instead of a hard-coded constant.
func RewardFor(h uint64, base uint64, halvingPeriod uint64) uint64 {
	if halvingPeriod == 0 {
		return base
	}
	halvings := h / halvingPeriod
	if halvings >= 64 {
		return 0
	}
	return base >> halvings
}

// CheckRewardTx validates that t is a correctly-formed reward to miner for
// exactly amount. A reward is checked structurally only — it carries no
// signatures to verify, since it is synthesized by the block's own miner
// rather than submitted by an external sender.
func CheckRewardTx(t *Transaction, miner Address, amount uint64) Result {
	if t.Type != TxReward {
		return Reject("first tx is not a reward")
	}
	if t.HasTo {
		return Reject("reward tx must not carry an explicit recipient")
	}
	if t.Amount != amount {
		return Reject("reward amount mismatch")
	}
	if len(t.Signatures) != 0 {
		return Reject("reward tx must carry no signatures")
	}
	return Ok
}

// AcceptableBlockHeader checks the structural predicates of 
// that do not depend on transaction contents: height, monotone timestamp
// bounds, target match, and the PoW inequality.
func AcceptableBlockHeader(b *Block, h uint64, expectedTarget [32]byte, medianTime, now int64, params ValidatorParams) Result {
	if b.Length != h {
		return Reject("height mismatch")
	}
	if b.Time <= medianTime {
		return Reject("timestamp not greater than median")
	}
	if b.Time > now+params.MaxSkewSecs {
		return Reject("timestamp too far in the future")
	}
	if b.Target != expectedTarget {
		return Reject("target mismatch")
	}
	hash, err := b.BlockHash()
	if err != nil {
		return Reject("block does not canonically encode")
	}
	if !BelowTarget(hash, b.Target) {
		return Reject("hash does not satisfy target")
	}
	return Ok
}
