package gossip

import (
	"context"

	"github.com/anyproto/any-sync/app"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/invite"
	"github.com/ourblock/ourblock-trust/revocation"
	"github.com/ourblock/ourblock-trust/trustfact"
	"github.com/ourblock/ourblock-trust/trustgraph"
)

const ApplierCName = "trust.factApplier"

//go:generate mockgen -destination mock_gossip/mock_gossip.go -package mock_gossip github.com/ourblock/ourblock-trust/gossip FactApplier

// FactApplier merges one replicated fact into the local stores.
type FactApplier interface {
	// Apply verifies the fact, records it in the fact log and updates
	// the store its kind belongs to. A fact already in the log is
	// skipped and reported with added=false.
	Apply(ctx context.Context, sf *trustfact.SignedFact) (added bool, err error)
}

func NewApplier() Applier {
	return new(applier)
}

type Applier interface {
	FactApplier
	app.Component
}

type applier struct {
	db         db.Database
	factLog    factlog.FactLog
	graph      trustgraph.TrustGraph
	revocation revocation.RevocationRegistry
	invite     invite.InvitationIssuer
}

func (p *applier) Init(a *app.App) (err error) {
	p.db = a.MustComponent(db.CName).(db.Database)
	p.factLog = a.MustComponent(factlog.CName).(factlog.FactLog)
	p.graph = a.MustComponent(trustgraph.CName).(trustgraph.TrustGraph)
	p.revocation = a.MustComponent(revocation.CName).(revocation.RevocationRegistry)
	p.invite = a.MustComponent(invite.CName).(invite.InvitationIssuer)
	return
}

func (p *applier) Name() (name string) {
	return ApplierCName
}

func (p *applier) Apply(ctx context.Context, sf *trustfact.SignedFact) (added bool, err error) {
	fact, err := sf.Open()
	if err != nil {
		return false, err
	}
	// The log append and the store update commit together: a fact the
	// store rejects must not land in the log, or redelivery would skip
	// it as a duplicate and the store would never converge.
	err = p.db.Tx(ctx, func(txCtx mongo.SessionContext) error {
		var txErr error
		if added, txErr = p.factLog.Append(txCtx, fact.Author, fact.Kind, sf); txErr != nil {
			return txErr
		}
		if !added {
			return nil
		}
		switch fact.Kind {
		case trustfact.KindVouch:
			txErr = p.graph.ApplyVouch(txCtx, sf.Id, fact)
		case trustfact.KindAnchor:
			txErr = p.graph.ApplyAnchor(txCtx, fact)
		case trustfact.KindRevocation:
			txErr = p.revocation.ApplyRevocation(txCtx, fact)
		case trustfact.KindInvitation:
			txErr = p.invite.ApplyFact(txCtx, fact)
		}
		return txErr
	})
	if err != nil {
		return false, err
	}
	if added {
		log.Debug("applied fact", zap.String("factId", sf.Id), zap.String("kind", string(fact.Kind)))
	}
	return added, nil
}
