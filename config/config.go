package config

import (
	"os"

	"github.com/anyproto/any-sync/metric"
	"gopkg.in/yaml.v3"

	"github.com/anyproto/any-sync/app"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/gossip"
)

const CName = "config"

func NewFromFile(path string) (c *Config, err error) {
	c = &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return
}

type Config struct {
	Account   account.Config   `yaml:"account"`
	Mongo     db.Mongo         `yaml:"mongo"`
	Community community.Config `yaml:"community"`
	Gossip    gossip.Config    `yaml:"gossip"`
	Metric    metric.Config    `yaml:"metric"`
}

func (c *Config) Init(a *app.App) (err error) {
	return
}

func (c Config) Name() (name string) {
	return CName
}

func (c Config) GetAccount() account.Config {
	return c.Account
}

func (c Config) GetMongo() db.Mongo {
	return c.Mongo
}

func (c Config) GetCommunity() community.Config {
	return c.Community
}

func (c Config) GetGossip() gossip.Config {
	return c.Gossip
}

func (c Config) GetMetric() metric.Config {
	return c.Metric
}
