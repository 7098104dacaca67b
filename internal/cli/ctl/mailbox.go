package ctl

import (
	"context"
	"fmt"

	ucli "github.com/urfave/cli/v2"

	"github.com/aerogramme-go/aerogramme/internal/bay"
	aerocli "github.com/aerogramme-go/aerogramme/internal/cli"
	"github.com/aerogramme-go/aerogramme/internal/config"
	"github.com/aerogramme-go/aerogramme/internal/mailboxlist"
)

func init() {
	aerocli.AddSubcommand(&ucli.Command{
		Name:  "mailbox",
		Usage: "inspect a user's mailbox list",
		Subcommands: []*ucli.Command{
			mailboxListCommand(),
		},
	})
}

func mailboxListCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "list",
		Usage: "print every mailbox name the user currently has",
		Flags: []ucli.Flag{
			configFlag(),
			&ucli.StringFlag{Name: "user-secret", Required: true},
			&ucli.StringFlag{Name: "password", Required: true},
		},
		Action: func(c *ucli.Context) error {
			background := context.Background()
			v, kv, blob, err := openVault(c)
			if err != nil {
				return ucli.Exit(err.Error(), 1)
			}
			keys, err := v.Open(background, c.String("user-secret"), c.String("password"))
			if err != nil {
				return ucli.Exit(fmt.Sprintf("mailbox list: %v", err), 1)
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
			list, err := mailboxlist.Open(background, "mailbox_list", deps)
			if err != nil {
				return ucli.Exit(fmt.Sprintf("mailbox list: %v", err), 1)
			}
			for _, name := range list.State().Names() {
				fmt.Println(name)
			}
			return nil
		},
	}
}
