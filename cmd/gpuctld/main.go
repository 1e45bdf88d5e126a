package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/daemon"
	"codeberg.org/mutker/gpuctld/internal/errors"
	"github.com/spf13/pflag"
)

func main() {
	opts := daemon.Options{}

	flags := pflag.NewFlagSet("gpuctld", pflag.ExitOnError)
	flags.StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "Path to the configuration file")
	flags.StringVarP(&opts.SocketPath, "socket", "s", "", "Control socket path (overrides daemon.socket_path)")
	flags.DurationVar(&opts.DebounceCeiling, "debounce-ceiling", time.Duration(0), "Longest delay before a device change is handled (0 = none)")
	flags.Parse(os.Args[1:])

	if err := daemon.Run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "gpuctld: %v (%s)\n", err, errors.CodeOf(err))
		os.Exit(1)
	}
}
