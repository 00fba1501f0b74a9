package stores

import (
	"context"

	"github.com/sirupsen/logrus"

	"rentaltruth-server/config"
	"rentaltruth-server/core"
	"rentaltruth-server/stores/aws"
	"rentaltruth-server/stores/filesystem"
	"rentaltruth-server/stores/memory"
	"rentaltruth-server/stores/sqlite"
)

// NewStore opens the backend selected by cfg.StorageType.
func NewStore(ctx context.Context, cfg config.Config) (core.Store, error) {
	var (
		store core.Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalPath
		store, err = filesystem.NewStore(cfg.LocalPath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case "s3":
		storageField["bucketName"] = cfg.S3Bucket
		store, err = aws.NewStore(ctx, cfg.S3Bucket)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		return nil, err
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}

// GetStore is NewStore for startup code that cannot continue without storage.
func GetStore(ctx context.Context, cfg config.Config) core.Store {
	store, err := NewStore(ctx, cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"storageType": cfg.StorageType,
			"error":       err,
		}).Fatal("Failed to open storage")
	}
	return store
}
