package trustgraph

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/anyproto/any-sync/util/crypto"

	"github.com/ourblock/ourblock-trust/trustfact"
)

// A vouch request is the small signed payload a member shows in person
// (typically as a QR code) to ask another member to vouch for them.
// Countersigning one is just a regular vouch for the requesting agent,
// after proving the payload really came from that agent's key.

// maxVouchRequestAge bounds how long a shown request stays accepted.
const maxVouchRequestAge = 24 * time.Hour

var (
	ErrBadVouchRequest     = errors.New("vouch request does not verify")
	ErrVouchRequestExpired = errors.New("vouch request expired")
)

type VouchRequest struct {
	Agent     string `cbor:"agent"`
	AgentKey  []byte `cbor:"agentKey"`
	Timestamp int64  `cbor:"timestamp"` // unix micros
	Signature []byte `cbor:"signature"`
}

func vouchRequestPayload(agent string, timestamp int64) []byte {
	payload := make([]byte, 0, len(agent)+8)
	payload = append(payload, agent...)
	return binary.LittleEndian.AppendUint64(payload, uint64(timestamp))
}

// NewVouchRequest builds and signs a request for the given key.
func NewVouchRequest(key crypto.PrivKey) (data []byte, err error) {
	agent := key.GetPublic().Account()
	agentKey, err := key.GetPublic().Marshall()
	if err != nil {
		return
	}
	timestamp := timeNow().UnixMicro()
	signature, err := key.Sign(vouchRequestPayload(agent, timestamp))
	if err != nil {
		return
	}
	return trustfact.Marshal(VouchRequest{
		Agent:     agent,
		AgentKey:  agentKey,
		Timestamp: timestamp,
		Signature: signature,
	})
}

// OpenVouchRequest decodes and verifies a request payload.
func OpenVouchRequest(data []byte) (req VouchRequest, err error) {
	if err = trustfact.Unmarshal(data, &req); err != nil {
		return VouchRequest{}, ErrBadVouchRequest
	}
	agentKey, err := crypto.UnmarshalEd25519PublicKeyProto(req.AgentKey)
	if err != nil {
		return VouchRequest{}, ErrBadVouchRequest
	}
	if agentKey.Account() != req.Agent {
		return VouchRequest{}, ErrBadVouchRequest
	}
	ok, err := agentKey.Verify(vouchRequestPayload(req.Agent, req.Timestamp), req.Signature)
	if err != nil || !ok {
		return VouchRequest{}, ErrBadVouchRequest
	}
	if timeNow().UnixMicro() > req.Timestamp+maxVouchRequestAge.Microseconds() {
		return VouchRequest{}, ErrVouchRequestExpired
	}
	return req, nil
}

// VouchForRequest countersigns a verified request with a regular vouch.
func (t *trustGraph) VouchForRequest(ctx context.Context, data []byte, kind trustfact.VouchKind, note string) (v Vouch, err error) {
	req, err := OpenVouchRequest(data)
	if err != nil {
		return
	}
	return t.Vouch(ctx, req.Agent, kind, note)
}
