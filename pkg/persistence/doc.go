// Package persistence stores document replicas durably.
//
// A Persistence is what a document session talks to: BindState runs once
// when a document is first opened and WriteState runs when its last
// connection leaves. Gateway implements Persistence on top of any
// UpdateStore, which is a per-document append-only log of replica updates:
//
//	store, _ := persistence.NewSQLiteStore("docs.db")
//	gw := persistence.NewGateway(store, persistence.WithLogger(logger))
//	if err := persistence.ConnectWithRetry(ctx, gw, time.Minute); err != nil {
//	    return err
//	}
//
// Store backends: MemoryStore, SQLiteStore, MongoStore, RedisStore and
// S3Store. Every backend keeps updates in sequence order and can compact a
// prefix of its log into one merged update.
package persistence
