package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML layout. Only keys present in the file
// override the defaults.
type fileConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	GC             bool     `toml:"gc"`
	AllowedOrigins []string `toml:"allowed_origins"`
	Metrics        bool     `toml:"metrics"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	Document struct {
		PersistenceRequired bool   `toml:"persistence_required"`
		Heartbeat           string `toml:"heartbeat"`
		AwarenessTimeout    string `toml:"awareness_timeout"`
		FlushTimeout        string `toml:"flush_timeout"`
		ShutdownTimeout     string `toml:"shutdown_timeout"`
		SendQueueSize       int    `toml:"send_queue_size"`
	} `toml:"document"`

	Store struct {
		Driver         string `toml:"driver"`
		FlushSize      int    `toml:"flush_size"`
		ConnectTimeout string `toml:"connect_timeout"`

		SQLite struct {
			Path string `toml:"path"`
		} `toml:"sqlite"`

		MongoDB struct {
			URL                   string `toml:"url"`
			Database              string `toml:"database"`
			Collection            string `toml:"collection"`
			CollectionPerDocument bool   `toml:"collection_per_document"`
		} `toml:"mongodb"`

		Redis struct {
			URL    string `toml:"url"`
			Prefix string `toml:"prefix"`
		} `toml:"redis"`

		S3 struct {
			Bucket          string `toml:"bucket"`
			Prefix          string `toml:"prefix"`
			Region          string `toml:"region"`
			Endpoint        string `toml:"endpoint"`
			AccessKeyID     string `toml:"access_key_id"`
			SecretAccessKey string `toml:"secret_access_key"`
			UsePathStyle    bool   `toml:"use_path_style"`
		} `toml:"s3"`
	} `toml:"store"`
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("gc") {
		c.GC = raw.GC
	}
	if meta.IsDefined("allowed_origins") {
		c.AllowedOrigins = raw.AllowedOrigins
	}
	if meta.IsDefined("metrics") {
		c.Metrics = raw.Metrics
	}

	if meta.IsDefined("log", "level") {
		c.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		c.Log.Format = raw.Log.Format
	}

	d := raw.Document
	if meta.IsDefined("document", "persistence_required") {
		c.Document.PersistenceRequired = d.PersistenceRequired
	}
	durations := []struct {
		key    string
		value  string
		target *time.Duration
	}{
		{"heartbeat", d.Heartbeat, &c.Document.Heartbeat},
		{"awareness_timeout", d.AwarenessTimeout, &c.Document.AwarenessTimeout},
		{"flush_timeout", d.FlushTimeout, &c.Document.FlushTimeout},
		{"shutdown_timeout", d.ShutdownTimeout, &c.Document.ShutdownTimeout},
	}
	for _, dur := range durations {
		if !meta.IsDefined("document", dur.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(dur.value))
		if err != nil {
			return fmt.Errorf("config: parse document.%s: %w", dur.key, err)
		}
		*dur.target = v
	}
	if meta.IsDefined("document", "send_queue_size") {
		c.Document.SendQueueSize = d.SendQueueSize
	}

	s := raw.Store
	if meta.IsDefined("store", "driver") {
		c.Store.Driver = s.Driver
	}
	if meta.IsDefined("store", "flush_size") {
		c.Store.FlushSize = s.FlushSize
	}
	if meta.IsDefined("store", "connect_timeout") {
		v, err := time.ParseDuration(strings.TrimSpace(s.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("config: parse store.connect_timeout: %w", err)
		}
		c.Store.ConnectTimeout = v
	}

	if meta.IsDefined("store", "sqlite", "path") {
		c.Store.SQLite.Path = s.SQLite.Path
	}

	if meta.IsDefined("store", "mongodb", "url") {
		c.Store.MongoDB.URL = s.MongoDB.URL
	}
	if meta.IsDefined("store", "mongodb", "database") {
		c.Store.MongoDB.Database = s.MongoDB.Database
	}
	if meta.IsDefined("store", "mongodb", "collection") {
		c.Store.MongoDB.Collection = s.MongoDB.Collection
	}
	if meta.IsDefined("store", "mongodb", "collection_per_document") {
		c.Store.MongoDB.CollectionPerDocument = s.MongoDB.CollectionPerDocument
	}

	if meta.IsDefined("store", "redis", "url") {
		c.Store.Redis.URL = s.Redis.URL
	}
	if meta.IsDefined("store", "redis", "prefix") {
		c.Store.Redis.Prefix = s.Redis.Prefix
	}

	s3 := s.S3
	if meta.IsDefined("store", "s3", "bucket") {
		c.Store.S3.Bucket = s3.Bucket
	}
	if meta.IsDefined("store", "s3", "prefix") {
		c.Store.S3.Prefix = s3.Prefix
	}
	if meta.IsDefined("store", "s3", "region") {
		c.Store.S3.Region = s3.Region
	}
	if meta.IsDefined("store", "s3", "endpoint") {
		c.Store.S3.Endpoint = s3.Endpoint
	}
	if meta.IsDefined("store", "s3", "access_key_id") {
		c.Store.S3.AccessKeyID = s3.AccessKeyID
	}
	if meta.IsDefined("store", "s3", "secret_access_key") {
		c.Store.S3.SecretAccessKey = s3.SecretAccessKey
	}
	if meta.IsDefined("store", "s3", "use_path_style") {
		c.Store.S3.UsePathStyle = s3.UsePathStyle
	}
	return nil
}
