// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store caches analysed execution plans in BadgerDB.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
)

// BadgerDB key layout for cached plans.
const (
	keyPrefixPlan = "plan:"
	keySuffixData = ":data"
	keySuffixMeta = ":meta"
)

// PlanSchemaVersion is bumped when the stored Task shape changes.
const PlanSchemaVersion = "1"

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// ErrPlanNotFound is returned when no plan is cached under a hash.
var ErrPlanNotFound = errors.New("plan not found")

// PlanMetadata describes a cached plan.
type PlanMetadata struct {
	// Hash is the hex SHA256 of the analysed source and the cache key.
	Hash string `json:"hash"`

	// CreatedAtMilli is when the plan was saved (Unix milliseconds UTC).
	CreatedAtMilli int64 `json:"created_at_milli"`

	// SourceSize is the length of the analysed source in bytes.
	SourceSize int `json:"source_size"`

	TaskCount    int `json:"task_count"`
	TriggerCount int `json:"trigger_count"`

	SchemaVersion string `json:"schema_version"`

	// Fingerprint identifies the extractor settings the plan was built with.
	Fingerprint string `json:"fingerprint,omitempty"`

	// CompressedSize is the size of the gzip-compressed JSON payload in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// ContentHash is the SHA256 hash of the compressed payload.
	ContentHash string `json:"content_hash"`
}

// PlanStore stores execution plans keyed by the hash of their source.
//
// Description:
//
//	Plans are serialized to JSON, gzip-compressed and written next to a
//	small metadata record. Loads verify the payload against the stored
//	content hash before decompressing.
//
// Key Schema:
//
//	plan:{hash}:data → gzip(JSON(flow.Plan))
//	plan:{hash}:meta → JSON(PlanMetadata)
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type PlanStore struct {
	db     *badger.DB
	logger *slog.Logger
	ttl    time.Duration
	owned  bool
}

// Open opens the BadgerDB described by cfg and wraps it in a PlanStore.
// The returned store owns the database and closes it in Close.
func Open(cfg config.CacheConfig, logger *slog.Logger) (*PlanStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache dir must not be empty")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	logger.Info("plan cache opened",
		slog.Bool("in_memory", cfg.InMemory),
		slog.String("dir", cfg.Dir),
		slog.Duration("ttl", cfg.TTL),
	)
	return &PlanStore{db: db, logger: logger, ttl: cfg.TTL, owned: true}, nil
}

// NewPlanStore wraps an already opened database. The caller keeps ownership.
func NewPlanStore(db *badger.DB, logger *slog.Logger, ttl time.Duration) (*PlanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &PlanStore{db: db, logger: logger, ttl: ttl}, nil
}

// Close releases the database if the store opened it.
func (s *PlanStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// SourceHash returns the hex SHA256 of source, the key plans are cached under.
func SourceHash(source []byte) string {
	h := sha256.Sum256(source)
	return hex.EncodeToString(h[:])
}

// SaveOption configures a single Save.
type SaveOption func(*PlanMetadata)

// WithFingerprint records the extractor fingerprint in the plan metadata.
func WithFingerprint(fingerprint string) SaveOption {
	return func(m *PlanMetadata) { m.Fingerprint = fingerprint }
}

// Save caches plan under the hash of source and returns its metadata.
// An existing entry for the same source is replaced.
func (s *PlanStore) Save(ctx context.Context, source []byte, plan flow.Plan, opts ...SaveOption) (*PlanMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("save canceled: %w", err)
	}
	if plan == nil {
		plan = flow.Plan{}
	}

	jsonData, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshaling plan: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing plan: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	compressedData := compressed.Bytes()

	hash := SourceHash(source)
	meta := &PlanMetadata{
		Hash:           hash,
		CreatedAtMilli: time.Now().UnixMilli(),
		SourceSize:     len(source),
		TaskCount:      len(plan),
		TriggerCount:   len(plan.Triggers()),
		SchemaVersion:  PlanSchemaVersion,
		CompressedSize: int64(len(compressedData)),
		ContentHash:    hashBytes(compressedData),
	}
	for _, opt := range opts {
		opt(meta)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(dataKey(hash), compressedData)); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.SetEntry(s.entry(metaKey(hash), metaJSON)); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing plan to badger: %w", err)
	}

	s.logger.Debug("plan cached",
		slog.String("hash", hash),
		slog.Int("task_count", meta.TaskCount),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

func (s *PlanStore) entry(key string, value []byte) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}

// Load returns the plan cached under hash.
//
// Outputs:
//
//	flow.Plan - The cached plan.
//	*PlanMetadata - Its metadata.
//	error - ErrPlanNotFound if absent; non-nil on integrity or decode failure.
func (s *PlanStore) Load(ctx context.Context, hash string) (flow.Plan, *PlanMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if hash == "" {
		return nil, nil, fmt.Errorf("hash must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("load canceled: %w", err)
	}

	var compressedData, metaJSON []byte
	err := s.db.View(func(txn *badger.Txn) error {
		dataItem, err := txn.Get([]byte(dataKey(hash)))
		if err != nil {
			return err
		}
		compressedData, err = dataItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying data for %s: %w", hash, err)
		}

		metaItem, err := txn.Get([]byte(metaKey(hash)))
		if err != nil {
			return err
		}
		metaJSON, err = metaItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying metadata for %s: %w", hash, err)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, nil, fmt.Errorf("%w: %s", ErrPlanNotFound, hash)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading plan %s: %w", hash, err)
	}

	var meta PlanMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", hash, err)
	}
	if actual := hashBytes(compressedData); meta.ContentHash != "" && meta.ContentHash != actual {
		return nil, nil, fmt.Errorf("integrity check failed for %s: expected hash %s, got %s", hash, meta.ContentHash, actual)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing plan %s: %w", hash, err)
	}
	defer gr.Close()

	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed data for %s: %w", hash, err)
	}

	var plan flow.Plan
	if err := json.Unmarshal(jsonData, &plan); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling plan for %s: %w", hash, err)
	}

	cacheLookups.WithLabelValues("hit").Inc()
	return plan, &meta, nil
}

// Delete removes the plan cached under hash.
func (s *PlanStore) Delete(ctx context.Context, hash string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if hash == "" {
		return fmt.Errorf("hash must not be empty")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(metaKey(hash))); err != nil {
			return err
		}
		if err := txn.Delete([]byte(dataKey(hash))); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("deleting data: %w", err)
		}
		if err := txn.Delete([]byte(metaKey(hash))); err != nil {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, hash)
	}
	if err != nil {
		return fmt.Errorf("deleting plan %s: %w", hash, err)
	}

	s.logger.Info("plan deleted", slog.String("hash", hash))
	return nil
}

// List returns metadata for cached plans, newest first, at most limit entries.
// A limit <= 0 uses DefaultListLimit.
func (s *PlanStore) List(ctx context.Context, limit int) ([]*PlanMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var results []*PlanMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPlan)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, keySuffixMeta) {
				continue
			}

			var meta PlanMetadata
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				s.logger.Warn("skipping corrupt metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			results = append(results, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAtMilli > results[j].CreatedAtMilli
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func dataKey(hash string) string { return keyPrefixPlan + hash + keySuffixData }
func metaKey(hash string) string { return keyPrefixPlan + hash + keySuffixMeta }

// hashBytes returns the hex-encoded SHA256 hash of a byte slice.
func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
