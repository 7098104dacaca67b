// Command aerogrammectl is the thin operator binary: it imports
// internal/cli/ctl for its subcommand registration side effects and
// hands control to internal/cli's singleton app.
package main

import (
	"github.com/aerogramme-go/aerogramme/internal/cli"
	_ "github.com/aerogramme-go/aerogramme/internal/cli/ctl"
)

func main() {
	cli.Run()
}
