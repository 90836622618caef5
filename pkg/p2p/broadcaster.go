package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/utils"
)

// Broadcaster publishes marketplace events over gossipsub, one topic per
// paper, and lets callers follow a paper's topic.
type Broadcaster struct {
	host   host.Host
	pubsub *pubsub.PubSub
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster starts a libp2p host on cfg.ListenAddrs and joins gossipsub.
// Bootstrap peers that cannot be reached are logged and skipped.
func NewBroadcaster(ctx context.Context, cfg config.P2PConfig, logger *zap.Logger) (*Broadcaster, error) {
	opts := []libp2p.Option{libp2p.ListenAddrStrings(cfg.ListenAddrs...)}
	if cfg.KeyFile != "" {
		priv, err := LoadOrCreateIdentity(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	b := &Broadcaster{
		host:   h,
		pubsub: ps,
		prefix: cfg.TopicPrefix,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := b.Connect(ctx, addr); err != nil {
			logger.Warn("Failed to connect to bootstrap peer",
				zap.String("addr", addr),
				zap.Error(err))
		}
	}

	logger.Info("P2P broadcaster started",
		zap.String("peerID", h.ID().String()),
		zap.Any("listenAddrs", h.Addrs()))
	return b, nil
}

// ID returns the host's peer id.
func (b *Broadcaster) ID() peer.ID {
	return b.host.ID()
}

// Addrs returns the host's dialable addresses including the /p2p component.
func (b *Broadcaster) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Connect dials a peer given its full multiaddr, e.g.
// /ip4/10.0.0.2/tcp/4001/p2p/12D3Koo...
func (b *Broadcaster) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parsing multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("extracting peer info: %w", err)
	}
	if err := b.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connecting to %s: %w", info.ID, err)
	}
	b.logger.Debug("Connected to peer", zap.String("peer", info.ID.String()))
	return nil
}

// TopicName returns the gossipsub topic used for paperID.
func (b *Broadcaster) TopicName(paperID string) string {
	return b.prefix + "/" + paperID
}

func (b *Broadcaster) topic(paperID string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("broadcaster closed")
	}
	name := b.TopicName(paperID)
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	b.topics[name] = t
	return t, nil
}

// Publish sends e on its paper's topic.
func (b *Broadcaster) Publish(ctx context.Context, e Event) error {
	t, err := b.topic(e.PaperID)
	if err != nil {
		return err
	}
	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	b.logger.Debug("Event published",
		zap.String("type", string(e.Type)),
		zap.String("paperID", e.PaperID),
		zap.String("orderID", e.OrderID))
	return nil
}

// Subscribe follows paperID's topic until ctx is done. Malformed messages
// are dropped.
func (b *Broadcaster) Subscribe(ctx context.Context, paperID string) (<-chan Event, error) {
	t, err := b.topic(paperID)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.String(), err)
	}

	out := make(chan Event, 64)
	utils.SafeGo(b.logger, func() {
		defer close(out)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("Error reading from subscription", zap.Error(err))
				}
				return
			}
			e, err := UnmarshalEvent(msg.Data)
			if err != nil {
				b.logger.Warn("Dropping malformed event",
					zap.String("from", msg.GetFrom().String()),
					zap.Error(err))
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}

// Peers returns the peers currently in paperID's topic mesh.
func (b *Broadcaster) Peers(paperID string) []peer.ID {
	return b.pubsub.ListPeers(b.TopicName(paperID))
}

// Close leaves all topics and shuts the host down.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	topics := b.topics
	b.topics = map[string]*pubsub.Topic{}
	b.mu.Unlock()

	for _, t := range topics {
		if err := t.Close(); err != nil {
			b.logger.Debug("Failed to close topic", zap.Error(err))
		}
	}
	if err := b.host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}
	b.logger.Info("P2P broadcaster stopped")
	return nil
}
