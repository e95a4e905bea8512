// Package membership derives an agent's standing from the trust graph.
// The status is never stored: it is recomputed from a graph snapshot on
// every query, so two peers with the same replicated facts always agree
// on it.
package membership

import (
	"context"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/metric"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/revocation"
	"github.com/ourblock/ourblock-trust/trustgraph"
)

const CName = "trust.membership"

var log = logger.NewNamed(CName)

type Status string

const (
	// StatusPending agents joined with a valid invitation but nobody
	// vouched for them yet.
	StatusPending Status = "pending"
	// StatusVerified agents cleared the vouching threshold.
	StatusVerified Status = "verified"
	// StatusAnchor agents are in the trusted anchor set; anchor status
	// shadows anything the vouch edges would say.
	StatusAnchor Status = "anchor"
)

// VouchThreshold is the number of received vouches that verifies an
// agent when none of them comes from an anchor.
const VouchThreshold = 2

// Evaluate computes the status of one agent against a graph snapshot.
// A single anchor vouch verifies immediately; otherwise the plain vouch
// count must reach the threshold. The count deliberately includes
// vouchers that are themselves unverified.
func Evaluate(snap *trustgraph.Snapshot, agent string) Status {
	if snap.IsAnchor(agent) {
		return StatusAnchor
	}
	received := snap.Received(agent)
	for _, voucher := range received {
		if snap.IsAnchor(voucher) {
			return StatusVerified
		}
	}
	if len(received) >= VouchThreshold {
		return StatusVerified
	}
	return StatusPending
}

// Info is the detailed answer for one agent, for status UIs and the
// hub admin surface.
type Info struct {
	Agent           string          `json:"agent"`
	Status          Status          `json:"status"`
	IsAnchor        bool            `json:"isAnchor"`
	Revoked         bool            `json:"revoked"`
	VouchesReceived []ReceivedVouch `json:"vouchesReceived,omitempty"`
	VouchesGiven    []string        `json:"vouchesGiven,omitempty"`
	AnchorVouches   int             `json:"anchorVouches"`
}

type ReceivedVouch struct {
	Voucher    string `json:"voucher"`
	FromAnchor bool   `json:"fromAnchor"`
}

func New() Service {
	return new(service)
}

type Service interface {
	// Status evaluates one agent against a fresh graph snapshot.
	Status(ctx context.Context, agent string) (status Status, err error)
	// IsVerified reports whether the agent cleared the vouching
	// threshold or is an anchor. Revocation is not consulted here.
	IsVerified(ctx context.Context, agent string) (ok bool, err error)
	// CanParticipate is the single gate for community actions: the
	// agent must be verified or an anchor and must not be revoked.
	CanParticipate(ctx context.Context, agent string) (ok bool, err error)
	// IsAgentRevoked answers from the revocation registry cache.
	IsAgentRevoked(agent string) (revoked bool)
	GetMembershipInfo(ctx context.Context, agent string) (info Info, err error)
	app.Component
}

type service struct {
	graph      trustgraph.TrustGraph
	revocation revocation.RevocationRegistry
	metric     metric.Metric
}

func (s *service) Init(a *app.App) (err error) {
	s.graph = a.MustComponent(trustgraph.CName).(trustgraph.TrustGraph)
	s.revocation = a.MustComponent(revocation.CName).(revocation.RevocationRegistry)
	s.metric = a.MustComponent(metric.CName).(metric.Metric)
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) Status(ctx context.Context, agent string) (status Status, err error) {
	snap, err := s.graph.Snapshot(ctx)
	if err != nil {
		return
	}
	return Evaluate(snap, agent), nil
}

func (s *service) IsVerified(ctx context.Context, agent string) (ok bool, err error) {
	status, err := s.Status(ctx, agent)
	if err != nil {
		return
	}
	return status != StatusPending, nil
}

func (s *service) CanParticipate(ctx context.Context, agent string) (ok bool, err error) {
	if s.revocation.IsRevoked(agent) {
		return false, nil
	}
	return s.IsVerified(ctx, agent)
}

func (s *service) IsAgentRevoked(agent string) (revoked bool) {
	return s.revocation.IsRevoked(agent)
}

func (s *service) GetMembershipInfo(ctx context.Context, agent string) (info Info, err error) {
	st := time.Now()
	defer func() {
		s.metric.RequestLog(ctx, "membership.getMembershipInfo",
			metric.TotalDur(time.Since(st)),
			zap.String("agent", agent),
			zap.Error(err),
		)
	}()
	snap, err := s.graph.Snapshot(ctx)
	if err != nil {
		return
	}
	info = Info{
		Agent:    agent,
		Status:   Evaluate(snap, agent),
		IsAnchor: snap.IsAnchor(agent),
		Revoked:  s.revocation.IsRevoked(agent),
	}
	for _, voucher := range snap.Received(agent) {
		fromAnchor := snap.IsAnchor(voucher)
		if fromAnchor {
			info.AnchorVouches++
		}
		info.VouchesReceived = append(info.VouchesReceived, ReceivedVouch{
			Voucher:    voucher,
			FromAnchor: fromAnchor,
		})
	}
	for vouchee, vouchers := range snap.ReceivedBy {
		for _, voucher := range vouchers {
			if voucher == agent {
				info.VouchesGiven = append(info.VouchesGiven, vouchee)
			}
		}
	}
	log.Debug("evaluated membership", zap.String("agent", agent), zap.String("status", string(info.Status)))
	return
}
