// Package ctl holds the operator subcommands registered against
// internal/cli's app: vault lifecycle, mailbox listing, and Bay GC,
// mirroring the teacher's internal/cli/ctl split where each file
// owns one subcommand tree and shares a small "open the backend"
// helper (teacher: ctl.openStorage in imapacct.go).
package ctl

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aerogramme-go/aerogramme/internal/config"
	"github.com/aerogramme-go/aerogramme/internal/storage"
	"github.com/aerogramme-go/aerogramme/internal/storage/blobfs"
	"github.com/aerogramme-go/aerogramme/internal/storage/blobs3"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvmem"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvsql"
	"github.com/aerogramme-go/aerogramme/internal/vault"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the core's YAML configuration file",
		EnvVars: []string{"AEROGRAMME_CONFIG"},
		Value:   "aerogramme.yaml",
	}
}

func openBackend(ctx *cli.Context) (storage.KV, storage.Blob, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("ctl: load config: %w", err)
	}

	var kv storage.KV
	switch cfg.Storage.Driver {
	case "memory", "":
		kv = kvmem.New()
	case "postgres", "sqlite":
		store, err := kvsql.New(kvsql.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("ctl: open kv backend: %w", err)
		}
		kv = store
	default:
		return nil, nil, fmt.Errorf("ctl: unknown storage driver %q", cfg.Storage.Driver)
	}

	var blob storage.Blob
	switch cfg.Storage.BlobDriver {
	case "fs", "":
		root := cfg.Storage.BlobRoot
		if root == "" {
			root = "./data/blob"
		}
		b, err := blobfs.New(root)
		if err != nil {
			return nil, nil, fmt.Errorf("ctl: open blob backend: %w", err)
		}
		blob = b
	case "s3":
		b, err := blobs3.New(context.Background(), blobs3.Config{
			Endpoint: cfg.Storage.S3Endpoint,
			Bucket:   cfg.Storage.S3Bucket,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("ctl: open blob backend: %w", err)
		}
		blob = b
	default:
		return nil, nil, fmt.Errorf("ctl: unknown blob driver %q", cfg.Storage.BlobDriver)
	}

	return kv, blob, nil
}

// openVault dials the configured backend and returns a Vault tuned
// with the config file's Argon2 cost parameters, alongside the raw
// backend handles for callers that need both.
func openVault(ctx *cli.Context) (*vault.Vault, storage.KV, storage.Blob, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ctl: load config: %w", err)
	}
	kv, blob, err := openBackend(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	params := vault.Params{Time: cfg.Vault.ArgonTime, Memory: cfg.Vault.ArgonMemory, Threads: cfg.Vault.ArgonThreads}
	return vault.NewWithParams(kv, params), kv, blob, nil
}
