// Subcommand tree for the Crypto Vault lifecycle, grounded on the
// teacher's internal/cli/ctl/imapacct.go: one init() registering a
// parent command whose Subcommands slice holds the leaves, each leaf
// an Action closure that dials storage, does the work, and prints a
// short confirmation line.
package ctl

import (
	"context"
	"fmt"

	ucli "github.com/urfave/cli/v2"

	aerocli "github.com/aerogramme-go/aerogramme/internal/cli"
)

func init() {
	aerocli.AddSubcommand(&ucli.Command{
		Name:  "vault",
		Usage: "manage a user's Crypto Vault",
		Subcommands: []*ucli.Command{
			vaultInitCommand(),
			vaultAddPasswordCommand(),
			vaultRemovePasswordCommand(),
		},
	})
}

func vaultInitCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "init",
		Usage: "seal a fresh (SK_priv, MK) pair under the user's first password",
		Flags: []ucli.Flag{
			configFlag(),
			&ucli.StringFlag{Name: "user-secret", Required: true, Usage: "per-user partition secret"},
			&ucli.StringFlag{Name: "password", Required: true, Usage: "the user's login password"},
		},
		Action: func(ctx *ucli.Context) error {
			v, _, _, err := openVault(ctx)
			if err != nil {
				return ucli.Exit(err.Error(), 1)
			}
			keys, err := v.Initialize(context.Background(), ctx.String("user-secret"), ctx.String("password"))
			if err != nil {
				return ucli.Exit(fmt.Sprintf("vault init: %v", err), 1)
			}
			fmt.Printf("vault initialized, public key %x\n", keys.PublicKey())
			return nil
		},
	}
}

func vaultAddPasswordCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "add-password",
		Usage: "seal a new password slot for (SK_priv, MK) alongside an existing one",
		Flags: []ucli.Flag{
			configFlag(),
			&ucli.StringFlag{Name: "user-secret", Required: true},
			&ucli.StringFlag{Name: "existing-password", Required: true},
			&ucli.StringFlag{Name: "new-password", Required: true},
		},
		Action: func(ctx *ucli.Context) error {
			v, _, _, err := openVault(ctx)
			if err != nil {
				return ucli.Exit(err.Error(), 1)
			}
			err = v.AddPassword(context.Background(), ctx.String("user-secret"), ctx.String("existing-password"), ctx.String("new-password"))
			if err != nil {
				return ucli.Exit(fmt.Sprintf("vault add-password: %v", err), 1)
			}
			fmt.Println("password slot added")
			return nil
		},
	}
}

func vaultRemovePasswordCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "remove-password",
		Usage: "drop a password slot; refuses to remove the last remaining slot unless --force",
		Flags: []ucli.Flag{
			configFlag(),
			&ucli.StringFlag{Name: "user-secret", Required: true},
			&ucli.StringFlag{Name: "password", Required: true},
			&ucli.BoolFlag{Name: "force", Usage: "remove even the last remaining password slot"},
		},
		Action: func(ctx *ucli.Context) error {
			v, _, _, err := openVault(ctx)
			if err != nil {
				return ucli.Exit(err.Error(), 1)
			}
			background := context.Background()
			salt, err := v.Salt(background)
			if err != nil {
				return ucli.Exit(fmt.Sprintf("vault remove-password: %v", err), 1)
			}
			if err := v.RemovePassword(background, salt, ctx.String("password"), ctx.Bool("force")); err != nil {
				return ucli.Exit(fmt.Sprintf("vault remove-password: %v", err), 1)
			}
			fmt.Println("password slot removed")
			return nil
		},
	}
}
