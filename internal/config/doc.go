// Package config loads docsync server configuration.
//
// Settings are resolved in order: built-in defaults, then an optional TOML
// file, then environment variables. Command-line flags are applied last by
// the caller.
//
// # Configuration File Structure
//
//	host = "0.0.0.0"
//	port = 1234
//	gc = true
//	metrics = true
//
//	[log]
//	level = "info"
//	format = "json"
//
//	[document]
//	heartbeat = "30s"
//	persistence_required = true
//
//	[store]
//	driver = "mongodb"
//
//	[store.mongodb]
//	url = "mongodb://localhost:27017"
//	database = "docsync"
//	collection = "docs"
//
// # Environment
//
// HOST, PORT, GC, MONGODB_URL, MONGODB_DB and MONGODB_COLLECTION are read
// under those names. Setting MONGODB_URL alone selects the MongoDB store.
// Everything else uses a DOCSYNC_ prefix, for example DOCSYNC_STORE,
// DOCSYNC_LOG_LEVEL and DOCSYNC_HEARTBEAT.
//
// # Usage
//
//	cfg, err := config.Load("docsync.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
