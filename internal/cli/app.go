// Package cli hosts the aerogrammectl singleton app and the
// subcommand-registration idiom every internal/cli/ctl file hooks
// into via init(), adapted from the teacher's maddycli package: a
// package-level *cli.App, AddSubcommand/AddGlobalFlag to register
// from independent files, and Run/RunWithoutExit as the two process
// entry points.
package cli

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/aerogramme-go/aerogramme/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "aerogrammectl"
	app.Usage = "operator commands for the Aerogramme mailbox-state engine and vault"
	app.Description = `aerogrammectl manipulates the Bay-backed vault and mailbox state
a running Aerogramme core maintains. It does not speak IMAP or CalDAV itself;
those protocols are served by the surrounding process, which embeds this
core as a library.`
	app.EnableBashCompletion = true
}

// AddGlobalFlag registers a flag available to every subcommand.
func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

// AddSubcommand registers cmd as a top-level aerogrammectl subcommand.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// RunWithoutExit runs the app and returns an exit code instead of
// calling os.Exit, for use from tests.
func RunWithoutExit() int {
	code := 0
	cli.OsExiter = func(c int) { code = c }
	defer func() { cli.OsExiter = os.Exit }()
	run()
	return code
}

// Run is the process entry point called from cmd/aerogrammectl.
func Run() {
	run()
}

func run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("aerogrammectl: command failed", err)
		cli.OsExiter(1)
	}
}
