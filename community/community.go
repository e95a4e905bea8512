package community

import (
	"errors"

	"github.com/anyproto/any-sync/util/crypto"
)

// Config is the recognized options set for one neighborhood community.
// It is read once at process setup and never mutated afterwards.
type Config struct {
	// CommunityID is the binding string every invitation and membrane
	// proof must match.
	CommunityID string `yaml:"communityId"`
	// Private gates admission: when false the gate admits everyone.
	Private bool `yaml:"private"`
	// RequireVouching rejects invitations that carry no embedded
	// voucher, even when the invitation is otherwise valid.
	RequireVouching bool `yaml:"requireVouching"`
	// BootstrapIdentity is the account address of the founder who
	// created the community before any invitation existed.
	BootstrapIdentity string `yaml:"bootstrapIdentity"`
	// HubPublicKey is the account address used to verify legacy
	// colon-format invitations. When empty the legacy signature check
	// is skipped (trust on first use).
	HubPublicKey string `yaml:"hubPublicKey"`

	SignalURL    string `yaml:"signalUrl"`
	BootstrapURL string `yaml:"bootstrapUrl"`
	// DefaultValidityDays bounds invitations without an explicit
	// validity duration; zero means 7 days.
	DefaultValidityDays int `yaml:"defaultValidityDays"`
}

var ErrNoCommunityID = errors.New("communityId is not configured")

func (c Config) Check() error {
	if c.CommunityID == "" {
		return ErrNoCommunityID
	}
	return nil
}

// BootstrapKey decodes the configured bootstrap identity. Returns nil
// without error when no bootstrap identity is configured.
func (c Config) BootstrapKey() (crypto.PubKey, error) {
	if c.BootstrapIdentity == "" {
		return nil, nil
	}
	return crypto.DecodeAccountAddress(c.BootstrapIdentity)
}

// HubKey decodes the configured legacy hub key. Returns nil without
// error when no hub key is configured.
func (c Config) HubKey() (crypto.PubKey, error) {
	if c.HubPublicKey == "" {
		return nil, nil
	}
	return crypto.DecodeAccountAddress(c.HubPublicKey)
}
