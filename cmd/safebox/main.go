// Command safebox is the coordinator driver of spec.md §6: a
// kong-parsed root command embedding the serve daemon, the
// submit/state/release client subcommands, and the hidden child-init
// re-exec entrypoint.
//
// Structured exactly like the teacher's main.go: a thin root struct,
// kong.Parse, kctx.Run dispatch.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/safeboxrun/safebox/internal/cli"
)

var version = "v0.0.0"

type config struct {
	cli.Globals

	Version kong.VersionFlag `short:"V" help:"Print version information"`

	Submit  cli.CmdSubmit  `cmd:"" help:"Submit a job for admission and execution"`
	State   cli.CmdState   `cmd:"" help:"Print the current SafetyEngine state"`
	Release cli.CmdRelease `cmd:"" help:"Return a job's remaining allocation to the SafetyEngine"`
	Serve   cli.CmdServe   `cmd:"" help:"Run the resident daemon that submit/state/release talk to"`

	ChildInit cli.CmdChildInit `cmd:"" name:"child-init" hidden:""`
}

func main() {
	cfg := &config{}
	kctx := kong.Parse(cfg, kong.Vars{"version": version})
	err := kctx.Run(&cfg.Globals)
	kctx.FatalIfErrorf(err)
}
