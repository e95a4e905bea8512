// Package gossip replicates signed trust facts between community nodes.
// Every node tails its own fact log onto a community GossipSub topic
// and merges whatever valid facts arrive; a pull stream protocol covers
// peers that were offline while the facts were broadcast.
package gossip

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/trustfact"
)

const CName = "trust.gossip"

const (
	topicPrefix    = "/ourblock/trust/1.0.0/"
	syncProtocolID = protocol.ID("/ourblock/trust/sync/1.0.0")

	streamDeadline = 15 * time.Second
	maxFrameSize   = 4 << 20

	defaultPublishIntervalSec = 5
	publishBatch              = 100
	syncBatch                 = 500
)

var log = logger.NewNamed(CName)

var (
	ErrDisabled      = errors.New("gossip is disabled")
	ErrFrameTooLarge = errors.New("sync frame exceeds the size bound")
)

type Config struct {
	Disabled           bool     `yaml:"disabled"`
	ListenAddrs        []string `yaml:"listenAddrs"`
	BootstrapPeers     []string `yaml:"bootstrapPeers"`
	PublishIntervalSec int      `yaml:"publishIntervalSec"`
}

type configProvider interface {
	GetGossip() Config
	GetCommunity() community.Config
}

type syncRequest struct {
	AfterId string `cbor:"afterId,omitempty"`
	Limit   uint32 `cbor:"limit,omitempty"`
}

type syncResponse struct {
	Facts   []*trustfact.SignedFact `cbor:"facts,omitempty"`
	Cursor  string                  `cbor:"cursor,omitempty"`
	HasMore bool                    `cbor:"hasMore,omitempty"`
}

func New() Service {
	return new(service)
}

type Service interface {
	// SyncWith pulls every fact the target has that we do not, paging
	// through its log with the sync stream protocol.
	SyncWith(ctx context.Context, target peer.ID) (err error)
	Host() host.Host
	app.ComponentRunnable
}

type service struct {
	conf      Config
	community community.Config
	account   account.Service
	factLog   factlog.FactLog
	applier   FactApplier

	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

func (s *service) Init(a *app.App) (err error) {
	s.conf = a.MustComponent("config").(configProvider).GetGossip()
	s.community = a.MustComponent("config").(configProvider).GetCommunity()
	s.account = a.MustComponent(account.CName).(account.Service)
	s.factLog = a.MustComponent(factlog.CName).(factlog.FactLog)
	s.applier = a.MustComponent(ApplierCName).(FactApplier)
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) Run(ctx context.Context) (err error) {
	if s.conf.Disabled {
		log.Info("gossip disabled")
		return
	}
	raw, err := s.account.SignKey().Raw()
	if err != nil {
		return
	}
	identity, err := p2pcrypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		return
	}
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(s.conf.ListenAddrs))
	for _, addr := range s.conf.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return err
		}
		listenAddrs = append(listenAddrs, ma)
	}
	if s.host, err = libp2p.New(
		libp2p.Identity(identity),
		libp2p.ListenAddrs(listenAddrs...),
	); err != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(s.runCtx, s.host)
	if err != nil {
		return
	}
	if s.topic, err = ps.Join(topicPrefix + s.community.CommunityID); err != nil {
		return
	}
	if s.sub, err = s.topic.Subscribe(); err != nil {
		return
	}
	s.host.SetStreamHandler(syncProtocolID, s.handleSyncStream)

	s.done = make(chan struct{}, 2)
	go s.publishLoop()
	go s.receiveLoop()
	go s.connectBootstrapPeers()

	log.Info("gossip started",
		zap.String("peerId", s.host.ID().String()),
		zap.String("topic", topicPrefix+s.community.CommunityID))
	return
}

func (s *service) Close(ctx context.Context) (err error) {
	if s.runCancel == nil {
		return
	}
	s.runCancel()
	if s.sub != nil {
		s.sub.Cancel()
	}
	if s.topic != nil {
		_ = s.topic.Close()
	}
	if s.done != nil {
		for i := 0; i < cap(s.done); i++ {
			select {
			case <-s.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return s.host.Close()
}

func (s *service) Host() host.Host {
	return s.host
}

func (s *service) connectBootstrapPeers() {
	for _, addr := range s.conf.BootstrapPeers {
		addrInfo, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warn("invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}
		if err = s.host.Connect(s.runCtx, *addrInfo); err != nil {
			log.Warn("bootstrap connect failed", zap.String("peerId", addrInfo.ID.String()), zap.Error(err))
			continue
		}
		if err = s.SyncWith(s.runCtx, addrInfo.ID); err != nil {
			log.Warn("bootstrap sync failed", zap.String("peerId", addrInfo.ID.String()), zap.Error(err))
		}
	}
}

// publishLoop tails the fact log and broadcasts every record, starting
// from the head on each start so restarted nodes re-announce their
// whole log. Receivers deduplicate by fact id.
func (s *service) publishLoop() {
	defer func() { s.done <- struct{}{} }()
	interval := time.Duration(s.conf.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPublishIntervalSec * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var cursor string
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
		}
		for {
			records, hasMore, err := s.factLog.GetAfter(s.runCtx, cursor, publishBatch)
			if err != nil {
				log.Warn("fact log read failed", zap.Error(err))
				break
			}
			for _, rec := range records {
				data, err := trustfact.Marshal(rec.Signed())
				if err != nil {
					log.Warn("fact encode failed", zap.String("factId", rec.FactId), zap.Error(err))
					continue
				}
				if err = s.topic.Publish(s.runCtx, data); err != nil {
					log.Warn("publish failed", zap.String("factId", rec.FactId), zap.Error(err))
				}
			}
			if len(records) > 0 {
				cursor = records[len(records)-1].Id.Hex()
			}
			if !hasMore {
				break
			}
		}
	}
}

func (s *service) receiveLoop() {
	defer func() { s.done <- struct{}{} }()
	selfId := s.host.ID()
	for {
		msg, err := s.sub.Next(s.runCtx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == selfId {
			continue
		}
		if err = s.handleMessage(s.runCtx, msg.Data); err != nil {
			log.Warn("dropped gossip fact", zap.Error(err))
		}
	}
}

func (s *service) handleMessage(ctx context.Context, data []byte) (err error) {
	var sf trustfact.SignedFact
	if err = trustfact.Unmarshal(data, &sf); err != nil {
		return
	}
	_, err = s.applier.Apply(ctx, &sf)
	return
}

func (s *service) SyncWith(ctx context.Context, target peer.ID) (err error) {
	if s.host == nil {
		return ErrDisabled
	}
	var afterId string
	for {
		resp, err := s.syncPage(ctx, target, afterId)
		if err != nil {
			return err
		}
		for _, sf := range resp.Facts {
			if _, err = s.applier.Apply(ctx, sf); err != nil {
				log.Warn("dropped synced fact", zap.String("factId", sf.Id), zap.Error(err))
			}
		}
		if !resp.HasMore {
			return nil
		}
		afterId = resp.Cursor
	}
}

func (s *service) syncPage(ctx context.Context, target peer.ID, afterId string) (resp *syncResponse, err error) {
	stream, err := s.host.NewStream(ctx, target, syncProtocolID)
	if err != nil {
		return
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamDeadline))

	if err = writeFrame(stream, syncRequest{AfterId: afterId, Limit: syncBatch}); err != nil {
		return
	}
	resp = new(syncResponse)
	if err = readFrame(stream, resp); err != nil {
		return nil, err
	}
	return
}

// handleSyncStream serves one page of the local fact log per stream.
func (s *service) handleSyncStream(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamDeadline))
	if err := s.serveSyncPage(s.runCtx, stream); err != nil {
		log.Debug("sync stream failed", zap.Error(err))
	}
}

func (s *service) serveSyncPage(ctx context.Context, rw io.ReadWriter) (err error) {
	var req syncRequest
	if err = readFrame(rw, &req); err != nil {
		return
	}
	records, hasMore, err := s.factLog.GetAfter(ctx, req.AfterId, req.Limit)
	if err != nil {
		return
	}
	resp := syncResponse{HasMore: hasMore}
	for _, rec := range records {
		resp.Facts = append(resp.Facts, rec.Signed())
	}
	if len(records) > 0 {
		resp.Cursor = records[len(records)-1].Id.Hex()
	}
	return writeFrame(rw, resp)
}

// Frames are a 4-byte little-endian length followed by a CBOR body.
func writeFrame(w io.Writer, v any) (err error) {
	data, err := trustfact.Marshal(v)
	if err != nil {
		return
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(data)))
	if _, err = w.Write(header[:]); err != nil {
		return
	}
	_, err = w.Write(data)
	return
}

func readFrame(r io.Reader, v any) (err error) {
	var header [4]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err = io.ReadFull(r, data); err != nil {
		return
	}
	return trustfact.Unmarshal(data, v)
}
