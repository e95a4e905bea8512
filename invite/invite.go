package invite

import (
	"context"
	"errors"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/trustfact"
)

const CName = "trust.invite"

const collName = "invitations"

var log = logger.NewNamed(CName)

const DefaultValidity = 7 * 24 * time.Hour

var (
	ErrInvalidValidity    = errors.New("validity must be positive")
	ErrInvitationNotFound = errors.New("invitation not found")
)

var timeNow = time.Now

func New() InvitationIssuer {
	return new(invitationIssuer)
}

// Invitation is the hub-side record of an issued code. The code string
// itself is the primary key, so replicated facts about the same code
// collapse into one document.
type Invitation struct {
	Code        string `bson:"_id"`
	Issuer      string `bson:"issuer"`
	CommunityID string `bson:"communityId"`
	CreatedAt   int64  `bson:"createdAt"`
	ExpiresAt   int64  `bson:"expiresAt"`
	Voucher     string `bson:"voucher,omitempty"`
	Revoked     bool   `bson:"revoked"`
}

type IssueRequest struct {
	// Validity bounds the code lifetime; zero means DefaultValidity.
	Validity time.Duration
	// Voucher optionally binds the code to a member who will count as
	// having vouched for whoever joins with it.
	Voucher string
}

type InvitationIssuer interface {
	// Issue mints a signed invitation code for this hub's community.
	Issue(ctx context.Context, req IssueRequest) (inv Invitation, err error)
	// Revoke permanently invalidates a code. Revoking an already
	// revoked or expired code is a no-op.
	Revoke(ctx context.Context, code string) (err error)
	// List returns every invitation this hub knows about, newest
	// first.
	List(ctx context.Context) (invs []Invitation, err error)
	// ValidateFormat checks a code string offline: envelope shape,
	// community binding, expiry and signature. It does not consult
	// the revocation registry.
	ValidateFormat(code string) (err error)
	// GetByCode fetches the stored record for a code, if any.
	GetByCode(ctx context.Context, code string) (inv Invitation, err error)
	// ApplyFact merges a replicated invitation fact into the local
	// store. Revocation is one way: a revoked record never becomes
	// active again.
	ApplyFact(ctx context.Context, fact trustfact.Fact) (err error)
	app.ComponentRunnable
}

type configProvider interface {
	GetCommunity() community.Config
}

type invitationIssuer struct {
	coll    *mongo.Collection
	db      db.Database
	account account.Service
	factLog factlog.FactLog
	conf    community.Config
}

func (i *invitationIssuer) Init(a *app.App) (err error) {
	i.db = a.MustComponent(db.CName).(db.Database)
	i.account = a.MustComponent(account.CName).(account.Service)
	i.factLog = a.MustComponent(factlog.CName).(factlog.FactLog)
	i.conf = a.MustComponent("config").(configProvider).GetCommunity()
	return i.conf.Check()
}

func (i *invitationIssuer) Name() (name string) {
	return CName
}

func (i *invitationIssuer) Run(ctx context.Context) (err error) {
	i.coll = i.db.Db().Collection(collName)
	_, err = i.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "issuer", Value: 1}},
	})
	return
}

func (i *invitationIssuer) Close(ctx context.Context) (err error) {
	return
}

func (i *invitationIssuer) Issue(ctx context.Context, req IssueRequest) (inv Invitation, err error) {
	validity := req.Validity
	if validity == 0 {
		if i.conf.DefaultValidityDays > 0 {
			validity = time.Duration(i.conf.DefaultValidityDays) * 24 * time.Hour
		} else {
			validity = DefaultValidity
		}
	}
	if validity < 0 {
		return Invitation{}, ErrInvalidValidity
	}

	now := timeNow().UnixMicro()
	payload := SignedPayload(i.conf.CommunityID, now, i.conf.SignalURL)
	signature, err := i.account.SignKey().Sign(payload)
	if err != nil {
		return
	}
	code, err := EncodeV2(Envelope{
		CommunityID:  i.conf.CommunityID,
		HubKey:       i.account.PubKey(),
		SignalURL:    i.conf.SignalURL,
		BootstrapURL: i.conf.BootstrapURL,
		CreatedAt:    now,
		ExpiresAt:    now + validity.Microseconds(),
		Signature:    signature,
		Voucher:      req.Voucher,
	})
	if err != nil {
		return
	}
	inv = Invitation{
		Code:        code,
		Issuer:      i.account.Identity(),
		CommunityID: i.conf.CommunityID,
		CreatedAt:   now,
		ExpiresAt:   now + validity.Microseconds(),
		Voucher:     req.Voucher,
	}
	if _, err = i.coll.InsertOne(ctx, inv); err != nil {
		return Invitation{}, err
	}
	if err = i.appendFact(ctx, inv); err != nil {
		return Invitation{}, err
	}
	log.Info("issued invitation", zap.String("communityId", inv.CommunityID), zap.Int64("expiresAt", inv.ExpiresAt))
	return
}

func (i *invitationIssuer) Revoke(ctx context.Context, code string) (err error) {
	inv, err := i.GetByCode(ctx, code)
	if err != nil {
		return
	}
	if inv.Revoked {
		return nil
	}
	inv.Revoked = true
	if _, err = i.coll.UpdateOne(ctx, byCode{Code: code}, bson.M{"$set": bson.M{"revoked": true}}); err != nil {
		return
	}
	if err = i.appendFact(ctx, inv); err != nil {
		return
	}
	log.Info("revoked invitation", zap.String("issuer", inv.Issuer))
	return
}

func (i *invitationIssuer) List(ctx context.Context) (invs []Invitation, err error) {
	cur, err := i.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return
	}
	defer cur.Close(ctx)
	err = cur.All(ctx, &invs)
	return
}

func (i *invitationIssuer) GetByCode(ctx context.Context, code string) (inv Invitation, err error) {
	err = i.coll.FindOne(ctx, byCode{Code: code}).Decode(&inv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = ErrInvitationNotFound
	}
	return
}

func (i *invitationIssuer) ValidateFormat(code string) (err error) {
	env, err := Parse(code)
	if err != nil {
		return
	}
	if env.CommunityID != i.conf.CommunityID {
		return ErrWrongCommunity
	}
	expiresAt := env.ExpiresAt
	if expiresAt == 0 {
		expiresAt = env.CreatedAt + DefaultValidity.Microseconds()
	}
	if timeNow().UnixMicro() > expiresAt {
		return ErrInvitationExpired
	}
	hubKey, err := i.conf.HubKey()
	if err != nil {
		return
	}
	return env.VerifySignature(hubKey)
}

func (i *invitationIssuer) ApplyFact(ctx context.Context, fact trustfact.Fact) (err error) {
	if fact.Invitation == nil {
		return trustfact.ErrNoPayload
	}
	p := fact.Invitation
	existing, err := i.GetByCode(ctx, p.Code)
	if errors.Is(err, ErrInvitationNotFound) {
		_, err = i.coll.InsertOne(ctx, Invitation{
			Code:        p.Code,
			Issuer:      fact.Author,
			CommunityID: p.CommunityID,
			CreatedAt:   fact.CreatedAt,
			ExpiresAt:   p.ExpiresAt,
			Voucher:     p.Voucher,
			Revoked:     p.Revoked,
		})
		if mongo.IsDuplicateKeyError(err) {
			// lost a race with a concurrent apply of the same code
			err = nil
		}
		return
	}
	if err != nil {
		return
	}
	if existing.Issuer != fact.Author || existing.CommunityID != p.CommunityID || existing.ExpiresAt != p.ExpiresAt {
		return trustfact.ErrImmutableEntryUpdate
	}
	// the revoked flag merges one way; a stale non-revoked copy of a
	// revoked code changes nothing
	if p.Revoked && !existing.Revoked {
		_, err = i.coll.UpdateOne(ctx, byCode{Code: p.Code}, bson.M{"$set": bson.M{"revoked": true}})
	}
	return
}

func (i *invitationIssuer) appendFact(ctx context.Context, inv Invitation) (err error) {
	fact := trustfact.Fact{
		Kind:      trustfact.KindInvitation,
		CreatedAt: inv.CreatedAt,
		Invitation: &trustfact.InvitationPayload{
			Code:        inv.Code,
			CommunityID: inv.CommunityID,
			ExpiresAt:   inv.ExpiresAt,
			Voucher:     inv.Voucher,
			Revoked:     inv.Revoked,
		},
	}
	signed, err := trustfact.NewSigned(fact, i.account.SignKey())
	if err != nil {
		return
	}
	_, err = i.factLog.Append(ctx, inv.Issuer, trustfact.KindInvitation, signed)
	return
}

type byCode struct {
	Code string `bson:"_id"`
}
