package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

const (
	topicEvents     = "perp-events"
	protocolCatchUp = protocol.ID("/perp/events/1.0.0")
	maxCatchUp      = 1024
)

var ErrEvicted = errors.New("peer no longer holds the requested events")

// Net replicates committed ledger events to peers over gossipsub
//
// The committing node publishes every batch; replicas deliver them to their
// own sink in seq order and pull missed events from the origin over a
// unicast stream when they detect a gap.
type Net struct {
	h       host.Host
	ps      *pubsub.PubSub
	log     *zap.SugaredLogger
	backlog *Backlog
	history History

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muSink sync.RWMutex
	sink   events.Sink

	// serializes delivery to sink
	muSeq    sync.Mutex
	lastSeen uint64
}

// History serves catch-up requests older than the in-memory backlog
type History interface {
	Events(after uint64, limit int) ([]events.Event, error)
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Backlog    int     // events kept for catch-up, default 4096
	History    History // optional, e.g. the ledger store
	Logger     *zap.SugaredLogger
}

func New(ctx context.Context, cfg Config) (*Net, error) {
	log := util.SugarOrNop(cfg.Logger)

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Net{
		h:       h,
		ps:      ps,
		log:     log,
		backlog: NewBacklog(cfg.Backlog),
		history: cfg.History,
	}

	if n.topic, err = ps.Join(topicEvents); err != nil {
		h.Close()
		return nil, err
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(ctx, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	// Set up stream handler for catch-up requests (unicast)
	h.SetStreamHandler(protocolCatchUp, n.handleCatchUpStream)

	go n.handleGossip(ctx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

// Connect dials a full /p2p/ multiaddr
func (n *Net) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *Net) Host() host.Host { return n.h }

func (n *Net) ID() peer.ID { return n.h.ID() }

// Addrs returns dialable multiaddrs including the peer id
func (n *Net) Addrs() []string {
	info := peer.AddrInfo{ID: n.h.ID(), Addrs: n.h.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(maddrs))
	for _, m := range maddrs {
		out = append(out, m.String())
	}
	return out
}

// SetSink sets where events received from peers are delivered
func (n *Net) SetSink(s events.Sink) { n.muSink.Lock(); n.sink = s; n.muSink.Unlock() }

// Resume marks seq as already applied locally (restored from storage)
func (n *Net) Resume(seq uint64) {
	n.backlog.Resume(seq)
	n.muSeq.Lock()
	if seq > n.lastSeen {
		n.lastSeen = seq
	}
	n.muSeq.Unlock()
}

// Publish implements events.Sink for the committing node
func (n *Net) Publish(evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	n.backlog.Append(evs)

	data, err := gobEncode(BatchWire{Origin: n.h.ID().String(), Events: evs})
	if err != nil {
		n.log.Errorw("gossip_encode_failed", "seq", evs[0].Seq, "err", err)
		return
	}
	if err := n.topic.Publish(context.Background(), data); err != nil {
		n.log.Warnw("gossip_publish_failed", "seq", evs[0].Seq, "err", err)
	}
}

// FetchSince asks p for the events after seq after
func (n *Net) FetchSince(ctx context.Context, p peer.ID, after uint64) ([]events.Event, error) {
	s, err := n.h.NewStream(ctx, p, protocolCatchUp)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	req, err := gobEncode(SinceWire{After: after, Limit: maxCatchUp})
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(req); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(s)
	if err != nil {
		return nil, err
	}
	var w BatchWire
	if err := gobDecode(data, &w); err != nil {
		return nil, fmt.Errorf("decode catch-up: %w", err)
	}
	if w.Evicted {
		return w.Events, ErrEvicted
	}
	return w.Events, nil
}

// Close leaves the topic and shuts the host down
func (n *Net) Close() error {
	n.sub.Cancel()
	_ = n.topic.Close()
	return n.h.Close()
}

// inbound

func (n *Net) handleGossip(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w BatchWire
		if err := gobDecode(msg.Data, &w); err != nil {
			n.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		n.deliver(ctx, msg.GetFrom(), w.Events)
	}
}

// deliver hands evs to the sink in seq order, filling gaps from origin first
func (n *Net) deliver(ctx context.Context, origin peer.ID, evs []events.Event) {
	n.muSeq.Lock()
	defer n.muSeq.Unlock()

	if len(evs) == 0 || evs[len(evs)-1].Seq <= n.lastSeen {
		return
	}

	batch := evs
	if first := firstAfter(evs, n.lastSeen); first > n.lastSeen+1 {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		missing, err := n.FetchSince(fetchCtx, origin, n.lastSeen)
		cancel()
		if err != nil {
			n.log.Warnw("catch_up_failed", "origin", origin.String(), "after", n.lastSeen, "err", err)
		}
		batch = append(missing, evs...)
	}

	out := make([]events.Event, 0, len(batch))
	for _, e := range batch {
		if e.Seq <= n.lastSeen {
			continue
		}
		if e.Seq != n.lastSeen+1 {
			n.log.Warnw("event_gap", "after", n.lastSeen, "next", e.Seq)
		}
		out = append(out, e)
		n.lastSeen = e.Seq
	}
	if len(out) == 0 {
		return
	}
	n.backlog.Append(out)

	n.muSink.RLock()
	sink := n.sink
	n.muSink.RUnlock()
	if sink != nil {
		sink.Publish(out)
	}
}

func firstAfter(evs []events.Event, seq uint64) uint64 {
	for _, e := range evs {
		if e.Seq > seq {
			return e.Seq
		}
	}
	return 0
}

// handleCatchUpStream answers a SinceWire with the backlog after it
func (n *Net) handleCatchUpStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var req SinceWire
	if err := gobDecode(data, &req); err != nil {
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > maxCatchUp {
		limit = maxCatchUp
	}

	evs, ok := n.backlog.Since(req.After, limit)
	if !ok && n.history != nil {
		old, err := n.history.Events(req.After, limit)
		if err != nil {
			n.log.Warnw("catch_up_history_failed", "after", req.After, "err", err)
		} else {
			evs, ok = old, true
		}
	}
	resp, err := gobEncode(BatchWire{Origin: n.h.ID().String(), Events: evs, Evicted: !ok})
	if err != nil {
		n.log.Errorw("catch_up_encode_failed", "err", err)
		return
	}
	if _, err := s.Write(resp); err != nil {
		n.log.Debugw("catch_up_write_failed", "peer", s.Conn().RemotePeer().String(), "err", err)
	}
}
