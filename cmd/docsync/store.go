package main

import (
	"fmt"

	"github.com/tinyedit/docsync/internal/config"
	"github.com/tinyedit/docsync/pkg/persistence"
)

// openStore builds the update store selected by cfg. The store is not
// connected yet.
func openStore(cfg config.StoreConfig) (persistence.UpdateStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return persistence.NewMemoryStore(), nil
	case config.DriverSQLite:
		return persistence.NewSQLiteStore(cfg.SQLite.Path)
	case config.DriverMongoDB:
		m := cfg.MongoDB
		return persistence.NewMongoStore(m.URL, m.Database,
			persistence.WithMongoCollection(m.Collection),
			persistence.WithMongoCollectionPerDocument(m.CollectionPerDocument),
		)
	case config.DriverRedis:
		return persistence.NewRedisStore(cfg.Redis.URL, persistence.WithRedisPrefix(cfg.Redis.Prefix))
	case config.DriverS3:
		s := cfg.S3
		return persistence.NewS3Store(persistence.S3Config{
			Bucket:          s.Bucket,
			Prefix:          s.Prefix,
			Region:          s.Region,
			Endpoint:        s.Endpoint,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			UsePathStyle:    s.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Driver)
	}
}
