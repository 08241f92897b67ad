package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/pkg/metastore"
	"github.com/workhub/metastore/pkg/metastore/fs"
)

// CreateMetadataStore creates a metadata store based on configuration.
//
// This factory function uses the Type field to determine which store
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the store's constructor. Indexed
// properties from the configuration are registered before the store is
// returned, so a populated store backfills its index during creation.
//
// Supported types:
//   - "filesystem": Uses pkg/metastore/fs (sharded JSON documents on disk)
//
// Parameters:
//   - cfg: Loaded service configuration
//
// Returns:
//   - metastore.MetadataStore: Initialized metadata store
//   - error: Configuration or initialization error
func CreateMetadataStore(cfg *Config) (metastore.MetadataStore, error) {
	var store metastore.MetadataStore
	var err error

	switch cfg.Store.Type {
	case "filesystem":
		store, err = createFilesystemStore(cfg.Store.Filesystem)
	default:
		return nil, fmt.Errorf("unknown metadata store type: %q (supported: filesystem)", cfg.Store.Type)
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.IndexedProperties) > 0 {
		if err := store.RegisterUserProperties(cfg.IndexedProperties); err != nil {
			return nil, fmt.Errorf("failed to register indexed properties: %w", err)
		}
		logger.Info("registered %d indexed user properties", len(cfg.IndexedProperties))
	}

	return store, nil
}

// createFilesystemStore creates a filesystem-backed metadata store.
func createFilesystemStore(options map[string]any) (metastore.MetadataStore, error) {
	type FilesystemStoreOptions struct {
		Path           string `mapstructure:"path"`
		PasswordSecret string `mapstructure:"password_secret"`
	}

	var storeOpts FilesystemStoreOptions
	if err := mapstructure.Decode(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem store options: %w", err)
	}

	if storeOpts.Path == "" {
		return nil, fmt.Errorf("filesystem metadata store: path is required")
	}

	store, err := fs.New(fs.Config{
		Path:           storeOpts.Path,
		PasswordSecret: storeOpts.PasswordSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem metadata store: %w", err)
	}

	return store, nil
}
