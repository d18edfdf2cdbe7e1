package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/heic2png/internal/common"
	appcfg "github.com/jo-hoe/heic2png/internal/config"
	"github.com/jo-hoe/heic2png/internal/convert"
	"github.com/jo-hoe/heic2png/internal/convert/command"
	"github.com/jo-hoe/heic2png/internal/convert/mock"
	"github.com/jo-hoe/heic2png/internal/jobs"
	"github.com/jo-hoe/heic2png/internal/storage"
)

func newRegistry(ctx context.Context, cfg appcfg.RegistryConfig) (jobs.Registry, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return jobs.NewMemoryRegistry(), nil
	case "sqlite":
		r, err := jobs.NewSQLiteRegistry(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite registry: %w", err)
		}
		return r, nil
	case "redis":
		r, err := jobs.NewRedisRegistry(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis registry: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}
}

func newArtifactStore(cfg *appcfg.Config) (storage.ArtifactStore, error) {
	switch strings.ToLower(cfg.Artifacts.Driver) {
	case "local":
		s, err := storage.NewLocalStore(cfg.Server.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("init local artifacts: %w", err)
		}
		return s, nil
	case "s3":
		s, err := storage.NewS3Store(cfg.Artifacts.S3)
		if err != nil {
			return nil, fmt.Errorf("init s3 artifacts: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported artifacts driver %q", cfg.Artifacts.Driver)
	}
}

func newConverter(cfg *appcfg.Config) (convert.Converter, error) {
	switch strings.ToLower(cfg.Conversion.Converter) {
	case "exec":
		c, err := command.New(cfg.Conversion.Exec, filepath.Join(cfg.Server.StorageDir, common.WorkDirName))
		if err != nil {
			return nil, fmt.Errorf("init exec converter: %w", err)
		}
		return c, nil
	case "mock":
		return mock.New(cfg.Conversion.Mock), nil
	default:
		return nil, fmt.Errorf("unsupported converter %q", cfg.Conversion.Converter)
	}
}
