package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeerClient is an in-memory PeerClient stub so PeerSync's decision
// table can be exercised without a live HTTP peer.
type fakePeerClient struct {
	addr       string
	length     uint64
	diffLength string
	tipHash    Hash
	blocks     []*Block
	tipErr     error
	blocksErr  error
	tipCalls   int
}

func (f *fakePeerClient) Addr() string { return f.addr }

func (f *fakePeerClient) TipState(ctx context.Context) (uint64, string, Hash, error) {
	f.tipCalls++
	if f.tipErr != nil {
		return 0, "", Hash{}, f.tipErr
	}
	return f.length, f.diffLength, f.tipHash, nil
}

func (f *fakePeerClient) BlocksFrom(ctx context.Context, height uint64, limit int) ([]*Block, error) {
	if f.blocksErr != nil {
		return nil, f.blocksErr
	}
	return f.blocks, nil
}

func newRunningTestEngine(t *testing.T, reorgCap uint64) (*Engine, *StateDB) {
	t.Helper()
	e, sdb, _, _ := newTestEngine(t, reorgCap)
	e.Start()
	t.Cleanup(func() {
		e.Unregister()
		e.Join()
	})
	return e, sdb
}

func TestPollPeerNoOpWhenPeerDiffNotGreater(t *testing.T) {
	e, sdb := newRunningTestEngine(t, 10)
	genesis := buildGenesis(t, Address{1})
	require.NoError(t, e.SubmitBlock(genesis))

	localDiff, err := sdb.DiffLength()
	require.NoError(t, err)

	ps := NewPeerSync(e, sdb, PeerSyncParams{}, nil)
	fake := &fakePeerClient{addr: "peer1", length: 1, diffLength: localDiff.RatString()}
	st := &peerState{client: fake, backoff: ps.params.BaseBackoff}

	ps.pollPeer(st)

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), length, "a peer with no greater diffLength must not trigger any fetch")
}

func TestPollPeerFetchesAndExtendsOnLongerPeer(t *testing.T) {
	e, sdb := newRunningTestEngine(t, 10)
	genesis := buildGenesis(t, Address{1})
	require.NoError(t, e.SubmitBlock(genesis))
	next := mineChild(t, genesis, Address{2}, 2)

	ps := NewPeerSync(e, sdb, PeerSyncParams{ReorgDepthCap: 10}, nil)
	fake := &fakePeerClient{
		addr:       "peer1",
		length:     1,
		diffLength: "999999/1",
		blocks:     []*Block{next},
	}
	st := &peerState{client: fake, backoff: ps.params.BaseBackoff}

	ps.pollPeer(st)

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestPollPeerEqualHeightTipHashDivergenceTriggersReorgFetch(t *testing.T) {
	e, sdb := newRunningTestEngine(t, 10)
	genesis := buildGenesis(t, Address{1})
	require.NoError(t, e.SubmitBlock(genesis))
	a1 := mineChild(t, genesis, Address{1}, 2)
	require.NoError(t, e.SubmitBlock(a1))

	b1 := mineChild(t, genesis, Address{3}, 2)
	b2 := mineChild(t, b1, Address{3}, 3)

	ps := NewPeerSync(e, sdb, PeerSyncParams{ReorgDepthCap: 10}, nil)
	fake := &fakePeerClient{
		addr:       "peer2",
		length:     1,               // equal to local height
		diffLength: "999999/1",      // reported as strictly greater work
		tipHash:    Hash{0xDE, 0xAD}, // guaranteed to differ from a1's real hash
		blocks:     []*Block{b1, b2},
	}
	st := &peerState{client: fake, backoff: ps.params.BaseBackoff}

	ps.pollPeer(st)

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), length, "the longer competing segment must win the reorg")
}

func TestPollPeerBackoffDoublesOnTipStateError(t *testing.T) {
	e, sdb := newRunningTestEngine(t, 10)
	ps := NewPeerSync(e, sdb, PeerSyncParams{BaseBackoff: 2 * time.Second, MaxBackoff: time.Hour}, nil)
	fake := &fakePeerClient{addr: "peer1", tipErr: errors.New("boom")}
	st := &peerState{client: fake, backoff: ps.params.BaseBackoff}

	ps.pollPeer(st)

	assert.Equal(t, 4*time.Second, st.backoff)
	assert.False(t, st.blacklisted)
	assert.True(t, st.nextTry.After(time.Now()))
}

func TestPollPeerBlacklistsAfterExceedingBackoffCeiling(t *testing.T) {
	e, sdb := newRunningTestEngine(t, 10)
	ps := NewPeerSync(e, sdb, PeerSyncParams{BaseBackoff: 2 * time.Second, MaxBackoff: 8 * time.Second}, nil)
	fake := &fakePeerClient{addr: "peer1", tipErr: errors.New("boom")}
	st := &peerState{client: fake, backoff: ps.params.BaseBackoff}

	ps.pollPeer(st) // 2s -> 4s
	assert.False(t, st.blacklisted)
	ps.pollPeer(st) // 4s -> 8s, still within ceiling
	assert.False(t, st.blacklisted)
	ps.pollPeer(st) // 8s -> 16s, exceeds the 8s ceiling
	assert.True(t, st.blacklisted)
}

func TestPollOnceSkipsBlacklistedAndBackedOffPeers(t *testing.T) {
	e, sdb := newRunningTestEngine(t, 10)
	ps := NewPeerSync(e, sdb, PeerSyncParams{}, nil)

	blacklisted := &fakePeerClient{addr: "blacklisted"}
	backedOff := &fakePeerClient{addr: "backed-off"}
	ps.AddPeer(blacklisted)
	ps.AddPeer(backedOff)

	ps.mu.Lock()
	ps.peers["blacklisted"].blacklisted = true
	ps.peers["backed-off"].nextTry = time.Now().Add(time.Hour)
	ps.mu.Unlock()

	// neither peer should be queried: pollOnce must filter both out before
	// ever calling TipState.
	ps.pollOnce()

	assert.Equal(t, 0, blacklisted.tipCalls)
	assert.Equal(t, 0, backedOff.tipCalls)

	length, err := sdb.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), length)
}
