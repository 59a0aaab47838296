// Command mongo-helpr provisions MongoDB collections, issues sequence values
// and runs cardinality-checked lookups from the command line.
//
// # Configuration
//
// Settings are read from the optional --config file and the environment, see
// package config. The most common variables are:
//
//	MONGO_URI or MONGO_HOST/MONGO_PORT - server address
//	MONGO_DB                           - database name
//	MONGO_SEQUENCES                    - sequence collection (default: "sequences")
//	REDIS_ADDR                         - enables "sequence next --backend redis"
//
// # Example
//
//	MONGO_HOST=localhost MONGO_DB=app mongo-helpr provision -f manifest.yaml
//	MONGO_HOST=localhost MONGO_DB=app mongo-helpr sequence next orders
//	MONGO_HOST=localhost MONGO_DB=app mongo-helpr find users email=/^bob/i
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mongo-helpr",
		Short:         "MongoDB provisioning, sequence and lookup helpers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(a.logContext(cmd.Context()))
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (YAML, JSON or TOML)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logs")
	root.AddCommand(
		a.pingCmd(),
		a.provisionCmd(),
		a.sequenceCmd(),
		a.findCmd(),
		a.countCmd(),
	)
	return root
}

func (a *app) logContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(os.Stderr))
	if a.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
