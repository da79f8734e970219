package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meristem/core/internal/plugin/manifest"
	"github.com/meristem/core/internal/trace"
)

// PluginStore persists plugin registrations and their config versions. The
// lifecycle manager calls PersistConfigVersion inside the reload sequence,
// before the worker swap.
type PluginStore struct {
	s *Store
}

// Plugins returns the plugin persistence view of this store.
func (s *Store) Plugins() *PluginStore {
	return &PluginStore{s: s}
}

// pluginDoc is the stored shape of one registered plugin.
type pluginDoc struct {
	PluginID      string            `bson:"plugin_id"`
	Manifest      manifest.Manifest `bson:"manifest"`
	ConfigVersion int               `bson:"config_version"`
	UpdatedAt     int64             `bson:"updated_at"`
}

// SaveManifest upserts a plugin's manifest, keeping its config version.
func (p *PluginStore) SaveManifest(ctx context.Context, m *manifest.Manifest) error {
	_, err := p.s.col(ColPlugins).UpdateOne(ctx,
		bson.M{"plugin_id": m.ID},
		bson.M{
			"$set":         bson.M{"manifest": m, "updated_at": trace.NowMillis()},
			"$setOnInsert": bson.M{"plugin_id": m.ID, "config_version": 0},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// PersistConfigVersion records the post-reload config version.
func (p *PluginStore) PersistConfigVersion(ctx context.Context, pluginID string, version int) error {
	_, err := p.s.col(ColPlugins).UpdateOne(ctx,
		bson.M{"plugin_id": pluginID},
		bson.M{
			"$set":         bson.M{"config_version": version, "updated_at": trace.NowMillis()},
			"$setOnInsert": bson.M{"plugin_id": pluginID},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("persist config version: %w", err)
	}
	return nil
}

// ConfigVersion reads a plugin's stored config version; unknown plugins are 0.
func (p *PluginStore) ConfigVersion(ctx context.Context, pluginID string) (int, error) {
	var doc pluginDoc
	err := p.s.col(ColPlugins).FindOne(ctx, bson.M{"plugin_id": pluginID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, fmt.Errorf("read plugin: %w", err)
	}
	return doc.ConfigVersion, nil
}
