package db

import (
	"context"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const CName = "trust.db"

var log = logger.NewNamed(CName)

type Mongo struct {
	Connect  string `yaml:"connect"`
	Database string `yaml:"database"`
}

type Database interface {
	app.ComponentRunnable
	Db() *mongo.Database
	Tx(ctx context.Context, f func(txCtx mongo.SessionContext) error) error
}

func New() Database {
	return &database{}
}

type mongoProvider interface {
	GetMongo() Mongo
}

type database struct {
	conf   Mongo
	client *mongo.Client
	db     *mongo.Database
}

func (d *database) Init(a *app.App) (err error) {
	d.conf = a.MustComponent("config").(mongoProvider).GetMongo()
	return
}

func (d *database) Name() (name string) {
	return CName
}

func (d *database) Run(ctx context.Context) (err error) {
	if d.client, err = mongo.Connect(ctx, options.Client().ApplyURI(d.conf.Connect)); err != nil {
		return
	}
	d.db = d.client.Database(d.conf.Database)
	return
}

func (d *database) Db() *mongo.Database {
	return d.db
}

func (d *database) Tx(ctx context.Context, f func(txCtx mongo.SessionContext) error) error {
	return d.client.UseSession(ctx, func(sessCtx mongo.SessionContext) error {
		if err := sessCtx.StartTransaction(); err != nil {
			return err
		}
		if err := f(sessCtx); err != nil {
			if abortErr := sessCtx.AbortTransaction(sessCtx); abortErr != nil {
				log.Warn("failed to abort transaction", zap.Error(abortErr))
			}
			return err
		}
		return sessCtx.CommitTransaction(sessCtx)
	})
}

func (d *database) Close(ctx context.Context) (err error) {
	if d.client != nil {
		return d.client.Disconnect(ctx)
	}
	return nil
}
