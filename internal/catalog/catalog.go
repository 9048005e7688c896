// Package catalog serves the configured promotions to the engine. Definitions
// come from a Source (a YAML file or the database) and are built once per
// reload; built promotions are shared read-only between reconciles.
package catalog

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/engine"
)

var _ engine.Catalog = (*Catalog)(nil)

// Source lists promotion definitions in evaluation order.
type Source interface {
	ListPromotions(ctx context.Context) ([]promotion.Definition, error)
}

// File is the YAML layout of a promotions file.
type File struct {
	Promotions []promotion.Definition `yaml:"promotions"`
}

// LoadYAML decodes a promotions file. Unknown fields are rejected.
func LoadYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode promotions")
	}
	return &f, nil
}

// DecodeDefinition decodes a single promotion. JSON input is accepted as
// well. Unknown fields are rejected.
func DecodeDefinition(data []byte) (promotion.Definition, error) {
	var def promotion.Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, errors.Wrap(err, "decode promotion")
	}
	return def, def.Validate()
}

// FileSource reads definitions from a YAML file on every call.
type FileSource struct {
	Path string
}

func (s FileSource) ListPromotions(context.Context) ([]promotion.Definition, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read promotions file")
	}
	f, err := LoadYAML(data)
	if err != nil {
		return nil, errors.Wrap(err, s.Path)
	}
	return f.Promotions, nil
}

// Catalog caches the built promotions of a Source.
type Catalog struct {
	source  Source
	builder *promotion.Builder

	mu       sync.RWMutex
	promos   []*promotion.Promotion
	loaded   bool
	loadedAt time.Time
}

// New creates a Catalog. Promotions are loaded on first use.
func New(source Source, builder *promotion.Builder) *Catalog {
	return &Catalog{source: source, builder: builder}
}

// Promotions returns the built promotions, loading them if needed.
func (c *Catalog) Promotions(ctx context.Context) ([]*promotion.Promotion, error) {
	c.mu.RLock()
	promos, loaded := c.promos, c.loaded
	c.mu.RUnlock()
	if loaded {
		return promos, nil
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.promos, nil
}

// Reload rebuilds the promotions from the source. On error the previous set
// stays in place.
func (c *Catalog) Reload(ctx context.Context) error {
	defs, err := c.source.ListPromotions(ctx)
	if err != nil {
		return errors.Wrap(err, "list promotions")
	}
	promos, err := c.builder.BuildAll(defs)
	if err != nil {
		return errors.Wrap(err, "build promotions")
	}

	c.mu.Lock()
	c.promos, c.loaded, c.loadedAt = promos, true, time.Now()
	c.mu.Unlock()
	return nil
}

// LoadedAt returns when the promotions were last built.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Run reloads the catalog every interval until ctx is done. Failed reloads
// are logged and keep the previous promotions.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				lg.Error("Reload promotions", zap.Error(err))
				continue
			}
			lg.Debug("Promotions reloaded")
		}
	}
}
