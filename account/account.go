package account

import (
	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/util/crypto"
	"go.uber.org/zap"
)

const CName = "trust.account"

var log = logger.NewNamed(CName)

type Config struct {
	// SigningKey is the encoded ed25519 private key of this node. When
	// empty a fresh keypair is generated on init.
	SigningKey string `yaml:"signingKey"`
}

type configProvider interface {
	GetAccount() Config
}

// Service holds the keypair this node participates with. The public
// key is the node's identity everywhere in the trust layer.
type Service interface {
	app.Component
	SignKey() crypto.PrivKey
	PubKey() crypto.PubKey
	// Identity is the account address form of the public key.
	Identity() string
}

func New() Service {
	return &service{}
}

type service struct {
	signKey crypto.PrivKey
}

func (s *service) Init(a *app.App) (err error) {
	conf := a.MustComponent("config").(configProvider).GetAccount()
	if conf.SigningKey == "" {
		if s.signKey, _, err = crypto.GenerateRandomEd25519KeyPair(); err != nil {
			return
		}
		encoded, encErr := crypto.EncodeKeyToString(s.signKey)
		if encErr != nil {
			return encErr
		}
		log.Info("no signing key configured, generated a new identity",
			zap.String("identity", s.Identity()),
			zap.String("signingKey", encoded))
		return
	}
	s.signKey, err = crypto.DecodeKeyFromString(conf.SigningKey, crypto.UnmarshalEd25519PrivateKey, nil)
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) SignKey() crypto.PrivKey {
	return s.signKey
}

func (s *service) PubKey() crypto.PubKey {
	return s.signKey.GetPublic()
}

func (s *service) Identity() string {
	return s.signKey.GetPublic().Account()
}
