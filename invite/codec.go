package invite

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/anyproto/any-sync/util/crypto"
)

// Two envelope generations are in circulation and both must keep
// parsing, byte for byte:
//
//	OURBLOCK_V1:<hub_address>:<community_id>:<unix_micros>:<base64 signature>
//	OURBLOCK_V2:<base64(JSON)>
//
// Unknown prefixes fail closed.
const (
	PrefixV1 = "OURBLOCK_V1:"
	PrefixV2 = "OURBLOCK_V2:"
)

const (
	VersionLegacy = 1
	VersionJSON   = 2
)

var (
	ErrMalformedInvitation = errors.New("malformed invitation code")
	ErrWrongCommunity      = errors.New("invitation is for another community")
	ErrInvitationExpired   = errors.New("invitation expired")
	ErrInvalidSignature    = errors.New("invalid invitation signature")
)

// envelopeV2 is the JSON layout of the current format. Field names are
// an interop contract with the original app; do not rename.
type envelopeV2 struct {
	NetworkSeed    string `json:"network_seed"`
	HubAgentPubKey string `json:"hub_agent_pub_key"`
	SignalURL      string `json:"signal_url"`
	BootstrapURL   string `json:"bootstrap_url"`
	Timestamp      int64  `json:"timestamp"`
	Signature      string `json:"signature"`
	// optional extensions, absent from codes issued by older hubs
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Voucher   string `json:"voucher,omitempty"`
}

// Envelope is the parsed, format-independent view of an invitation
// code.
type Envelope struct {
	Version     int
	CommunityID string
	// HubKey is the embedded issuer key; nil for the legacy format,
	// which only carries the issuer's account address.
	HubKey       crypto.PubKey
	HubAddress   string
	SignalURL    string
	BootstrapURL string
	CreatedAt    int64 // unix micros
	// ExpiresAt is zero when the envelope does not carry an expiry;
	// callers fall back to CreatedAt plus the default validity window.
	ExpiresAt int64 // unix micros
	Signature []byte
	Voucher   string
}

// SignedPayload reconstructs the exact byte string an issuer signs:
// the community id, the little-endian creation micros and the
// rendezvous metadata, so tampering with any of them breaks the
// signature.
func SignedPayload(communityID string, createdAt int64, signalURL string) []byte {
	payload := make([]byte, 0, len(communityID)+8+len(signalURL))
	payload = append(payload, communityID...)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(createdAt))
	payload = append(payload, signalURL...)
	return payload
}

// EncodeV2 renders the current envelope format.
func EncodeV2(env Envelope) (code string, err error) {
	hubKeyRaw, err := env.HubKey.Marshall()
	if err != nil {
		return
	}
	data, err := json.Marshal(envelopeV2{
		NetworkSeed:    env.CommunityID,
		HubAgentPubKey: base64.StdEncoding.EncodeToString(hubKeyRaw),
		SignalURL:      env.SignalURL,
		BootstrapURL:   env.BootstrapURL,
		Timestamp:      env.CreatedAt,
		Signature:      base64.StdEncoding.EncodeToString(env.Signature),
		ExpiresAt:      env.ExpiresAt,
		Voucher:        env.Voucher,
	})
	if err != nil {
		return
	}
	return PrefixV2 + base64.StdEncoding.EncodeToString(data), nil
}

// Parse detects the envelope version by its prefix and applies the
// matching field layout. Anything unrecognized is malformed.
func Parse(code string) (env Envelope, err error) {
	switch {
	case strings.HasPrefix(code, PrefixV2):
		return parseV2(strings.TrimPrefix(code, PrefixV2))
	case strings.HasPrefix(code, PrefixV1):
		return parseV1(strings.TrimPrefix(code, PrefixV1))
	default:
		return Envelope{}, ErrMalformedInvitation
	}
}

func parseV2(body string) (env Envelope, err error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	var raw envelopeV2
	if err = json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	hubKeyRaw, err := base64.StdEncoding.DecodeString(raw.HubAgentPubKey)
	if err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	hubKey, err := crypto.UnmarshalEd25519PublicKeyProto(hubKeyRaw)
	if err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	signature, err := base64.StdEncoding.DecodeString(raw.Signature)
	if err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	return Envelope{
		Version:      VersionJSON,
		CommunityID:  raw.NetworkSeed,
		HubKey:       hubKey,
		HubAddress:   hubKey.Account(),
		SignalURL:    raw.SignalURL,
		BootstrapURL: raw.BootstrapURL,
		CreatedAt:    raw.Timestamp,
		ExpiresAt:    raw.ExpiresAt,
		Signature:    signature,
		Voucher:      raw.Voucher,
	}, nil
}

func parseV1(body string) (env Envelope, err error) {
	parts := strings.Split(body, ":")
	if len(parts) != 4 {
		return Envelope{}, ErrMalformedInvitation
	}
	createdAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	signature, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Envelope{}, ErrMalformedInvitation
	}
	return Envelope{
		Version:     VersionLegacy,
		HubAddress:  parts[0],
		CommunityID: parts[1],
		CreatedAt:   createdAt,
		Signature:   signature,
	}, nil
}

// VerifySignature checks the envelope signature over the reconstructed
// payload bytes. The current format verifies against its embedded hub
// key. The legacy format carries no key material, so it verifies
// against the configured hub key; when hubKey is nil the check is
// skipped entirely (trust on first use).
func (e Envelope) VerifySignature(hubKey crypto.PubKey) error {
	verifyKey := e.HubKey
	if e.Version == VersionLegacy {
		if hubKey == nil {
			return nil
		}
		verifyKey = hubKey
	}
	payload := SignedPayload(e.CommunityID, e.CreatedAt, e.SignalURL)
	ok, err := verifyKey.Verify(payload, e.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
