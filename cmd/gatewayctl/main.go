// Command gatewayctl manages gateway accounts and inspects billing events.
//
//	gatewayctl [-c config] user create [-e EXPIRES] [-t COMMENT]
//	gatewayctl [-c config] user list [HASH_PREFIX]
//	gatewayctl [-c config] user update [-e EXPIRES] [-t COMMENT] HASH_PREFIX
//	gatewayctl [-c config] events [--account ID] [--request ID] [--since TIME] [--limit N]
//
// EXPIRES and TIME are RFC 3339 timestamps or "now".
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/vnmchuo/llm-billing-proxy/config"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
	"github.com/vnmchuo/llm-billing-proxy/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("gatewayctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	configPath := fs.StringP("config", "c", "", "config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed loading config:", err)
		return 1
	}

	log, err := logging.New("warning", "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx := context.Background()
	store, err := ledger.Open(ctx, cfg.DBURI, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close(ctx)

	c := newCLI(store, os.Stdout, os.Stderr)
	if err := c.dispatch(ctx, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

const usage = `usage: gatewayctl [-c config] <command>

commands:
  user create [-e EXPIRES] [-t COMMENT]
  user list [HASH_PREFIX]
  user update [-e EXPIRES] [-t COMMENT] HASH_PREFIX
  events [--account ID] [--request ID] [--since TIME] [--limit N]`
