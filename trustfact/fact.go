// Package trustfact defines the replicated facts of the trust layer:
// vouches, trusted anchors, revocations and invitations. Facts are
// immutable, signed by their author and identified by the blake3 hash
// of their deterministic encoding, so every peer derives the same id
// for the same fact regardless of arrival order.
package trustfact

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/anyproto/any-sync/util/crypto"
	"github.com/zeebo/blake3"
)

type Kind string

const (
	KindVouch      Kind = "vouch"
	KindAnchor     Kind = "trustedAnchor"
	KindRevocation Kind = "revocation"
	KindInvitation Kind = "invitation"
)

const (
	MaxNoteLen   = 200
	MaxReasonLen = 500
)

var (
	ErrUnknownKind          = errors.New("unknown fact kind")
	ErrNoPayload            = errors.New("fact carries no payload for its kind")
	ErrInvalidFactSignature = errors.New("invalid fact signature")
	ErrFactIdMismatch       = errors.New("fact id does not match payload")
	ErrSelfVouch            = errors.New("cannot vouch for yourself")
	ErrNoteTooLong          = errors.New("vouch note exceeds the length bound")
	ErrEmptyReason          = errors.New("revocation reason must not be empty")
	ErrReasonTooLong        = errors.New("revocation reason exceeds the length bound")
	ErrBadDesignator        = errors.New("anchor designation author mismatch")
	ErrImmutableEntryUpdate = errors.New("immutable entry cannot be updated")
)

type VouchKind string

const (
	VouchPhysicalHandshake    VouchKind = "PhysicalHandshake"
	VouchExistingRelationship VouchKind = "ExistingRelationship"
	VouchTrustedIntroduction  VouchKind = "TrustedIntroduction"
)

type VouchPayload struct {
	Vouchee string    `cbor:"vouchee"`
	Kind    VouchKind `cbor:"kind"`
	Note    string    `cbor:"note,omitempty"`
}

type AnchorPayload struct {
	Agent        string `cbor:"agent"`
	DesignatedBy string `cbor:"designatedBy"`
}

type RevocationPayload struct {
	RevokedAgent string `cbor:"revokedAgent"`
	Reason       string `cbor:"reason"`
}

type InvitationPayload struct {
	Code        string `cbor:"code"`
	CommunityID string `cbor:"communityId"`
	ExpiresAt   int64  `cbor:"expiresAt"`
	Voucher     string `cbor:"voucher,omitempty"`
	Revoked     bool   `cbor:"revoked,omitempty"`
}

// Fact is the tagged union of everything the trust layer replicates.
// Exactly one payload pointer is set, selected by Kind.
type Fact struct {
	Kind      Kind   `cbor:"kind"`
	Author    string `cbor:"author"`
	AuthorKey []byte `cbor:"authorKey"`
	CreatedAt int64  `cbor:"createdAt"` // unix micros

	Vouch      *VouchPayload      `cbor:"vouch,omitempty"`
	Anchor     *AnchorPayload     `cbor:"anchor,omitempty"`
	Revocation *RevocationPayload `cbor:"revocation,omitempty"`
	Invitation *InvitationPayload `cbor:"invitation,omitempty"`
}

// SignedFact is the wire and storage form of a fact: the deterministic
// payload bytes, the author signature over them, and the derived id.
type SignedFact struct {
	Id        string `bson:"_id" cbor:"id"`
	Payload   []byte `bson:"payload" cbor:"payload"`
	Signature []byte `bson:"signature" cbor:"signature"`
}

// FactId derives the content id of an encoded payload.
func FactId(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewSigned encodes, validates and signs a fact with the author's key.
// The key must match fact.Author / fact.AuthorKey.
func NewSigned(fact Fact, key crypto.PrivKey) (sf *SignedFact, err error) {
	if fact.Author == "" {
		fact.Author = key.GetPublic().Account()
	}
	if fact.AuthorKey == nil {
		if fact.AuthorKey, err = key.GetPublic().Marshall(); err != nil {
			return
		}
	}
	if err = Validate(fact); err != nil {
		return
	}
	payload, err := Marshal(fact)
	if err != nil {
		return
	}
	signature, err := key.Sign(payload)
	if err != nil {
		return
	}
	return &SignedFact{
		Id:        FactId(payload),
		Payload:   payload,
		Signature: signature,
	}, nil
}

// Open decodes a signed fact and verifies its id, its author signature
// and its structural invariants. Facts that fail any check are
// discarded by the caller; a fact never becomes valid later.
func (sf *SignedFact) Open() (fact Fact, err error) {
	if FactId(sf.Payload) != sf.Id {
		return Fact{}, ErrFactIdMismatch
	}
	if err = Unmarshal(sf.Payload, &fact); err != nil {
		return Fact{}, fmt.Errorf("decode fact payload: %w", err)
	}
	authorKey, err := crypto.UnmarshalEd25519PublicKeyProto(fact.AuthorKey)
	if err != nil {
		return Fact{}, fmt.Errorf("decode fact author key: %w", err)
	}
	if authorKey.Account() != fact.Author {
		return Fact{}, ErrInvalidFactSignature
	}
	ok, err := authorKey.Verify(sf.Payload, sf.Signature)
	if err != nil {
		return Fact{}, err
	}
	if !ok {
		return Fact{}, ErrInvalidFactSignature
	}
	if err = Validate(fact); err != nil {
		return Fact{}, err
	}
	return fact, nil
}

// Validate enforces the structural invariants of every fact kind. The
// switch is exhaustive over Kind: a new kind without a branch here is
// rejected, not silently accepted.
func Validate(fact Fact) error {
	switch fact.Kind {
	case KindVouch:
		if fact.Vouch == nil {
			return ErrNoPayload
		}
		if fact.Vouch.Vouchee == fact.Author {
			return ErrSelfVouch
		}
		if len(fact.Vouch.Note) > MaxNoteLen {
			return ErrNoteTooLong
		}
		switch fact.Vouch.Kind {
		case VouchPhysicalHandshake, VouchExistingRelationship, VouchTrustedIntroduction:
		default:
			return fmt.Errorf("unknown vouch kind %q", fact.Vouch.Kind)
		}
	case KindAnchor:
		if fact.Anchor == nil {
			return ErrNoPayload
		}
		if fact.Anchor.DesignatedBy != fact.Author {
			return ErrBadDesignator
		}
	case KindRevocation:
		if fact.Revocation == nil {
			return ErrNoPayload
		}
		if fact.Revocation.Reason == "" {
			return ErrEmptyReason
		}
		if len(fact.Revocation.Reason) > MaxReasonLen {
			return ErrReasonTooLong
		}
	case KindInvitation:
		if fact.Invitation == nil {
			return ErrNoPayload
		}
		if fact.Invitation.Code == "" || fact.Invitation.CommunityID == "" {
			return errors.New("invitation fact misses code or community")
		}
	default:
		return ErrUnknownKind
	}
	return nil
}
