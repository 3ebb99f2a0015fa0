package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// domainTag separates the hash namespace used by this package from any
// other hashing that might touch the same bytes elsewhere in a larger
// system: all hashing goes through DetHash(CanonEncode(x)) to guarantee
// cross-implementation determinism.
const domainTag = "haloblock:v1:"

// DetHash is the domain-separated, double-SHA256 digest used everywhere in
// this package, grounded on the ComputeMerkleRoot double-SHA256
// convention (core/security.go).
func DetHash(b []byte) Hash {
	first := sha256.Sum256(append([]byte(domainTag), b...))
	second := sha256.Sum256(first[:])
	return Hash(second)
}

// canonWriter accumulates a total, deterministic encoding: fixed-width
// big-endian integers, length-prefixed byte strings, explicit type tags.
// It never relies on map/struct field iteration order.
type canonWriter struct {
	buf bytes.Buffer
}

func (w *canonWriter) tag(b byte) { w.buf.WriteByte(b) }

func (w *canonWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *canonWriter) bytesField(b []byte) {
	w.u64(uint64(len(b)))
	w.buf.Write(b)
}

func (w *canonWriter) fixed(b []byte) { w.buf.Write(b) }

// CanonEncode produces the canonical byte encoding of v. Supported types:
// Transaction, Block, and a (pubkeys, threshold) pubkey-set used by
// MakeAddress. Any other type is a programmer error.
func CanonEncode(v interface{}) ([]byte, error) {
	w := &canonWriter{}
	switch x := v.(type) {
	case Transaction:
		encodeTx(w, &x)
	case *Transaction:
		encodeTx(w, x)
	case Block:
		if err := encodeBlock(w, &x); err != nil {
			return nil, err
		}
	case *Block:
		if err := encodeBlock(w, x); err != nil {
			return nil, err
		}
	case pubkeySet:
		encodePubkeySet(w, x)
	default:
		return nil, fmt.Errorf("canonEncode: unsupported type %T", v)
	}
	return w.buf.Bytes(), nil
}

func encodeTx(w *canonWriter, t *Transaction) {
	w.tag('T')
	w.buf.WriteByte(byte(t.Type))
	w.u64(t.Count)
	w.u64(uint64(len(t.PubKeys)))
	for _, pk := range t.PubKeys {
		w.bytesField(pk)
	}
	w.u64(uint64(len(t.Signatures)))
	for _, sig := range t.Signatures {
		w.bytesField(sig)
	}
	w.u64(t.Amount)
	if t.HasTo {
		w.buf.WriteByte(1)
		w.fixed(t.To[:])
	} else {
		w.buf.WriteByte(0)
	}
	w.bytesField(t.Message)
}

func encodeBlock(w *canonWriter, b *Block) error {
	w.tag('B')
	w.u64(b.Length)
	if b.HasPrev {
		w.buf.WriteByte(1)
		w.fixed(b.PrevHash[:])
	} else {
		w.buf.WriteByte(0)
	}
	w.fixed(b.Target[:])
	w.u64(uint64(b.Time))
	w.u64(b.Nonce)
	w.fixed(b.Miner[:])
	w.u64(uint64(len(b.Txs)))
	for i := range b.Txs {
		encodeTx(w, &b.Txs[i])
	}
	return nil
}

// pubkeySet is the (sorted pubkeys, threshold) pair hashed by MakeAddress.
type pubkeySet struct {
	keys      [][]byte
	threshold int
}

func encodePubkeySet(w *canonWriter, p pubkeySet) {
	sorted := make([][]byte, len(p.keys))
	copy(sorted, p.keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	w.tag('A')
	w.u64(uint64(p.threshold))
	w.u64(uint64(len(sorted)))
	for _, k := range sorted {
		w.bytesField(k)
	}
}
