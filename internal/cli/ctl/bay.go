package ctl

import (
	"context"
	"fmt"

	ucli "github.com/urfave/cli/v2"

	"github.com/aerogramme-go/aerogramme/internal/bay"
	aerocli "github.com/aerogramme-go/aerogramme/internal/cli"
	"github.com/aerogramme-go/aerogramme/internal/config"
	"github.com/aerogramme-go/aerogramme/internal/mailbox"
)

func init() {
	aerocli.AddSubcommand(&ucli.Command{
		Name:  "bay",
		Usage: "maintenance operations on a Bay-backed path",
		Subcommands: []*ucli.Command{
			bayGCCommand(),
		},
	})
}

func bayGCCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "gc",
		Usage: "checkpoint and sweep collectible ops/blobs for one mailbox",
		Flags: []ucli.Flag{
			configFlag(),
			&ucli.StringFlag{Name: "user-secret", Required: true},
			&ucli.StringFlag{Name: "password", Required: true},
			&ucli.StringFlag{Name: "path", Value: "INBOX", Usage: "Bay path to collect, e.g. the mailbox's UID Index path"},
		},
		Action: func(c *ucli.Context) error {
			background := context.Background()
			v, kv, blob, err := openVault(c)
			if err != nil {
				return ucli.Exit(err.Error(), 1)
			}
			keys, err := v.Open(background, c.String("user-secret"), c.String("password"))
			if err != nil {
				return ucli.Exit(fmt.Sprintf("bay gc: %v", err), 1)
			}
			defer keys.Zero()

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return ucli.Exit(err.Error(), 1)
			}
			deps := bay.Deps{
				KV:   kv,
				Blob: blob,
				MK:   keys.MK,
				Config: bay.Config{
					CheckpointEvery: cfg.Bay.CheckpointEvery,
					CheckpointKeep:  cfg.Bay.CheckpointKeep,
					GCQuarantine:    cfg.Bay.GCQuarantine,
				},
			}
			idx, err := mailbox.Open(background, c.String("path"), deps)
			if err != nil {
				return ucli.Exit(fmt.Sprintf("bay gc: %v", err), 1)
			}
			if err := idx.Checkpoint(background); err != nil {
				return ucli.Exit(fmt.Sprintf("bay gc: checkpoint: %v", err), 1)
			}
			if err := idx.GC(background); err != nil {
				return ucli.Exit(fmt.Sprintf("bay gc: %v", err), 1)
			}
			fmt.Println("gc complete")
			return nil
		},
	}
}
