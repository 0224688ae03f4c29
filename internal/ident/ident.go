// Package ident generates entry ids and manages the per-installation
// install id.
package ident

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique entry ids.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids. Ids sort by creation
// time, which keeps server-side inspection of queued records readable.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids in order, for tests and golden
// traces. It panics when exhausted so a test that creates more entries than
// it declared fails loudly.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// SequenceGenerator returns prefix-1, prefix-2, ... without limit.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a sequence generator with the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// InstallIDKey is the settings key holding the install id.
const InstallIDKey = "device.install_id"

// SettingsStore persists small string settings.
type SettingsStore interface {
	// PutSettingIfAbsent stores value under key unless a value already
	// exists, and returns whichever value is stored afterwards.
	PutSettingIfAbsent(ctx context.Context, key, value string) (string, error)
}

// LoadOrCreateInstallID returns the persisted install id, creating a random
// one on first use. A wiped database yields a fresh id, which is exactly the
// reinstall signal server-side fraud detection looks for.
func LoadOrCreateInstallID(ctx context.Context, settings SettingsStore) (string, error) {
	id, err := settings.PutSettingIfAbsent(ctx, InstallIDKey, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("load install id: %w", err)
	}
	return id, nil
}
