package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerClient abstracts the wire protocol spoken to a remote node, so the
// sync loop is transport-agnostic — grounded on the networkAdapter
// interface (core's p2p wiring). HTTPPeerClient (plain HTTP+JSON, below)
// is its only implementation here; the libp2p transport in gossip.go does
// not implement it and pushes announced blocks to the Engine directly.
type PeerClient interface {
	// TipState returns the peer's advertised (length, diffLength, tipHash),
	// the exchange every sync round opens with.
	TipState(ctx context.Context) (length uint64, diffLength string, tipHash Hash, err error)
	// BlocksFrom returns up to limit blocks starting at height, inclusive.
	BlocksFrom(ctx context.Context, height uint64, limit int) ([]*Block, error)
	// Addr identifies the peer for logging and blacklist bookkeeping.
	Addr() string
}

// HTTPPeerClient is the minimal, always-available fallback transport: plain
// JSON over HTTP against another node's peer wire surface (/tip, /blocks).
type HTTPPeerClient struct {
	base string
	hc   *http.Client
}

// NewHTTPPeerClient constructs a client against baseURL, e.g.
// "http://10.0.0.4:8545".
func NewHTTPPeerClient(baseURL string) *HTTPPeerClient {
	return &HTTPPeerClient{base: baseURL, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPPeerClient) Addr() string { return c.base }

func (c *HTTPPeerClient) TipState(ctx context.Context) (uint64, string, Hash, error) {
	var out struct {
		Length     uint64 `json:"length"`
		DiffLength string `json:"diff_length"`
		TipHash    Hash   `json:"tip_hash"`
	}
	if err := c.getJSON(ctx, "/tip", &out); err != nil {
		return 0, "", Hash{}, err
	}
	return out.Length, out.DiffLength, out.TipHash, nil
}

func (c *HTTPPeerClient) BlocksFrom(ctx context.Context, height uint64, limit int) ([]*Block, error) {
	var out struct {
		Blocks []*Block `json:"blocks"`
	}
	path := fmt.Sprintf("/blocks?from=%d&limit=%d", height, limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

func (c *HTTPPeerClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		return fmt.Errorf("%w: peer returned %d: %s", ErrTransientIO, resp.StatusCode, buf.String())
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PeerSyncParams configures the poller and its peer back-off surface.
type PeerSyncParams struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	BlockBatchSize int // capped at 50 per request
	ReorgDepthCap  uint64 // K
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

type peerState struct {
	client     PeerClient
	backoff    time.Duration
	blacklisted bool
	nextTry    time.Time
}

// PeerSync periodically polls its peer set for a longer chain and submits
// any it finds to the Engine, applying an exponential back-off to peers
// that error or time out and blacklisting those that exceed the back-off
// ceiling.
type PeerSync struct {
	engine *Engine
	sdb    *StateDB
	params PeerSyncParams
	log    *logrus.Entry

	mu    sync.Mutex
	peers map[string]*peerState

	stop StopFlag
	wg   sync.WaitGroup
}

// NewPeerSync constructs a PeerSync with no peers registered yet.
func NewPeerSync(engine *Engine, sdb *StateDB, params PeerSyncParams, log *logrus.Entry) *PeerSync {
	if params.PollInterval <= 0 {
		params.PollInterval = 10 * time.Second
	}
	if params.RequestTimeout <= 0 {
		params.RequestTimeout = 10 * time.Second
	}
	if params.BlockBatchSize <= 0 || params.BlockBatchSize > 50 {
		params.BlockBatchSize = 50
	}
	if params.ReorgDepthCap <= 0 {
		params.ReorgDepthCap = 100
	}
	if params.BaseBackoff <= 0 {
		params.BaseBackoff = 2 * time.Second
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = 5 * time.Minute
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PeerSync{
		engine: engine,
		sdb:    sdb,
		params: params,
		log:    log.WithField("component", "peersync"),
		peers:  make(map[string]*peerState),
	}
}

// AddPeer registers c for polling.
func (ps *PeerSync) AddPeer(c PeerClient) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peers[c.Addr()] = &peerState{client: c, backoff: ps.params.BaseBackoff}
}

// RemovePeer unregisters the peer at addr.
func (ps *PeerSync) RemovePeer(addr string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, addr)
}

// Start launches the polling goroutine (implements Worker via Unregister/Join).
func (ps *PeerSync) Start() {
	ps.wg.Add(1)
	go ps.run()
}

func (ps *PeerSync) Unregister() { ps.stop.Stop() }
func (ps *PeerSync) Join()       { ps.wg.Wait() }

func (ps *PeerSync) run() {
	defer ps.wg.Done()
	ticker := time.NewTicker(ps.params.PollInterval)
	defer ticker.Stop()
	for !ps.stop.Stopped() {
		ps.pollOnce()
		<-ticker.C
	}
}

func (ps *PeerSync) pollOnce() {
	ps.mu.Lock()
	candidates := make([]*peerState, 0, len(ps.peers))
	now := time.Now()
	for _, st := range ps.peers {
		if st.blacklisted || now.Before(st.nextTry) {
			continue
		}
		candidates = append(candidates, st)
	}
	ps.mu.Unlock()

	for _, st := range candidates {
		if ps.stop.Stopped() {
			return
		}
		ps.pollPeer(st)
	}
}

// pollPeer implements the sync decision table: exchange (length,
// diffLength, tipHash), then either do nothing, request a fresh
// extension, or request the last K blocks to locate a fork point.
func (ps *PeerSync) pollPeer(st *peerState) {
	ctx, cancel := context.WithTimeout(context.Background(), ps.params.RequestTimeout)
	defer cancel()

	peerLength, peerDiffStr, peerTipHash, err := st.client.TipState(ctx)
	if err != nil {
		ps.backoffPeer(st)
		ps.log.WithError(err).WithField("peer", st.client.Addr()).Warn("tip query failed")
		return
	}
	if err := ps.sdb.SetKnownLength(peerLength); err != nil {
		ps.log.WithError(err).Warn("failed to persist known length")
	}

	localLength, err := ps.sdb.Length()
	if err != nil {
		ps.log.WithError(err).Error("local length unavailable")
		return
	}
	localDiff, err := ps.sdb.DiffLength()
	if err != nil {
		ps.log.WithError(err).Error("local diffLength unavailable")
		return
	}
	peerDiff, ok := new(big.Rat).SetString(peerDiffStr)
	if !ok {
		ps.backoffPeer(st)
		return
	}
	if peerDiff.Cmp(localDiff) <= 0 {
		ps.resetBackoff(st)
		return
	}

	var localTipHash Hash
	if localLength > 0 || ps.hasLocalGenesis() {
		tip, err := ps.sdb.BlockAtHeight(localLength)
		if err == nil {
			localTipHash, _ = tip.BlockHash()
		}
	}

	var fetchFrom uint64
	switch {
	case peerLength > localLength:
		if localLength > ps.params.ReorgDepthCap {
			fetchFrom = localLength - ps.params.ReorgDepthCap
		}
	case peerLength == localLength && peerTipHash != localTipHash:
		if localLength > ps.params.ReorgDepthCap {
			fetchFrom = localLength - ps.params.ReorgDepthCap
		}
	default:
		ps.resetBackoff(st)
		return
	}

	blocks, err := st.client.BlocksFrom(ctx, fetchFrom, ps.params.BlockBatchSize)
	if err != nil || len(blocks) == 0 {
		ps.backoffPeer(st)
		if err != nil {
			ps.log.WithError(err).WithField("peer", st.client.Addr()).Warn("block fetch failed")
		}
		return
	}

	if err := ps.engine.SubmitBlocks(blocks); err != nil {
		ps.backoffPeer(st)
		ps.log.WithError(err).WithField("peer", st.client.Addr()).Info("candidate segment rejected")
		return
	}
	ps.resetBackoff(st)
}

func (ps *PeerSync) hasLocalGenesis() bool {
	hasTip, err := ps.sdb.HasTip()
	return err == nil && hasTip
}

func (ps *PeerSync) backoffPeer(st *peerState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	st.backoff *= 2
	if st.backoff > ps.params.MaxBackoff {
		st.blacklisted = true
		ps.log.WithField("peer", st.client.Addr()).Warn("peer blacklisted after exceeding backoff ceiling")
		return
	}
	st.nextTry = time.Now().Add(st.backoff)
}

func (ps *PeerSync) resetBackoff(st *peerState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	st.backoff = ps.params.BaseBackoff
	st.nextTry = time.Time{}
}
