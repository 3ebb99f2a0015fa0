package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// gossipTopic is the single pubsub topic new blocks are announced on, a
// push-based wire transport over libp2p.
const gossipTopic = "haloblock/blocks/v1"

// blockAnnouncement is the wire message published on gossipTopic.
type blockAnnouncement struct {
	Blocks []*Block `json:"blocks"`
}

// GossipTransport runs a libp2p host subscribed to gossipTopic and feeds
// every received block segment to the Engine, in addition to publishing
// the node's own newly-applied blocks. It is an alternative to polling
// HTTPPeerClient: peers push instead of being pulled from.
type GossipTransport struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	engine *Engine
	log    *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossipTransport starts a libp2p host listening on listenAddr (a
// multiaddr string, e.g. "/ip4/0.0.0.0/tcp/4001") and joins gossipTopic.
func NewGossipTransport(ctx context.Context, listenAddr string, engine *Engine, log *logrus.Entry) (*GossipTransport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("%w: libp2p host: %v", ErrTransientIO, err)
	}
	gs, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("%w: gossipsub: %v", ErrTransientIO, err)
	}
	topic, err := gs.Join(gossipTopic)
	if err != nil {
		return nil, fmt.Errorf("%w: join topic: %v", ErrTransientIO, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ErrTransientIO, err)
	}
	gt := &GossipTransport{
		host:   h,
		ps:     gs,
		topic:  topic,
		sub:    sub,
		engine: engine,
		log:    log.WithField("component", "gossip"),
	}
	return gt, nil
}

// Addrs returns the host's listen multiaddrs, for operator display and for
// peers dialing this node directly.
func (gt *GossipTransport) Addrs() []string {
	addrs := gt.host.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%s/p2p/%s", a.String(), gt.host.ID().String())
	}
	return out
}

// Connect dials a peer at a known multiaddr/peer.AddrInfo; the transport
// has no peer discovery of its own, so gossip reaches only nodes dialled
// this way.
func (gt *GossipTransport) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if err := gt.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return nil
}

// Start launches the receive loop (implements Worker via Unregister/Join).
func (gt *GossipTransport) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	gt.cancel = cancel
	gt.wg.Add(1)
	go gt.run(runCtx)
}

func (gt *GossipTransport) Unregister() {
	if gt.cancel != nil {
		gt.cancel()
	}
}

func (gt *GossipTransport) Join() { gt.wg.Wait() }

// Close tears down the subscription, topic and host.
func (gt *GossipTransport) Close() error {
	gt.sub.Cancel()
	if err := gt.topic.Close(); err != nil {
		gt.log.WithError(err).Warn("topic close failed")
	}
	return gt.host.Close()
}

func (gt *GossipTransport) run(ctx context.Context) {
	defer gt.wg.Done()
	for {
		msg, err := gt.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			gt.log.WithError(err).Warn("gossip receive failed")
			continue
		}
		if msg.ReceivedFrom == gt.host.ID() {
			continue // our own publish, looped back
		}
		var ann blockAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			gt.log.WithError(err).Warn("malformed block announcement")
			continue
		}
		if len(ann.Blocks) == 0 {
			continue
		}
		if err := gt.engine.SubmitBlocks(ann.Blocks); err != nil {
			gt.log.WithError(err).WithField("from", msg.ReceivedFrom.String()).Info("announced segment rejected")
		}
	}
}

// Publish announces blocks to every subscriber of gossipTopic, called by
// the miner right after a locally-mined block is applied.
func (gt *GossipTransport) Publish(ctx context.Context, blocks []*Block) error {
	data, err := json.Marshal(blockAnnouncement{Blocks: blocks})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := gt.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return nil
}
