package stores

import (
	"context"

	"collab-server/config"
	"collab-server/core"
	"collab-server/stores/aws"
	"collab-server/stores/filesystem"
	"collab-server/stores/memory"
	"collab-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// Store is a union interface that includes all store capabilities.
type Store interface {
	core.CollabStorage
	core.WorkspaceSettingsStore
}

// GetStore builds the backend selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		store Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		store, err = aws.NewStore(ctx, cfg.S3BucketName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	_, indexable := store.(core.IndexStore)
	storageField["indexable"] = indexable
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
