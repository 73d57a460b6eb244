package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/autocore/internal/client"
	"github.com/danmuck/autocore/internal/codec"
	"github.com/danmuck/autocore/internal/logging"
	"github.com/rs/zerolog/log"
)

const usage = `usage: relaycli [-config client.toml] <command> [flags]

commands:
  notify  -subject S -payload P    publish one payload
  observe -subject S [-count N]    print deliveries until interrupted
`

func main() {
	configPath := flag.String("config", "", "client profile path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	logging.ConfigureRuntime()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadProfile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load client profile")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	switch args[0] {
	case "notify":
		err = runNotify(ctx, cfg, args[1:])
	case "observe":
		err = runObserve(ctx, cfg, args[1:], os.Stdout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaycli: %v\n", err)
		os.Exit(1)
	}
}

func runNotify(ctx context.Context, cfg client.Config, args []string) error {
	fs := flag.NewFlagSet("notify", flag.ExitOnError)
	subject := fs.String("subject", "", "subject to publish on")
	payload := fs.String("payload", "", "payload text")
	_ = fs.Parse(args)

	return client.NewNotifier(*subject, codec.String{}, cfg).Notify(ctx, *payload)
}

func runObserve(ctx context.Context, cfg client.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("observe", flag.ExitOnError)
	subject := fs.String("subject", "", "subject to observe")
	count := fs.Int("count", 0, "stop after N deliveries (0 = until interrupted)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := 0
	sub := client.Observe(ctx, *subject, codec.Bytes{}, func(payload []byte) {
		fmt.Fprintf(out, "%s %s\n", *subject, payload)
		seen++
		if *count > 0 && seen >= *count {
			cancel()
		}
	}, cfg)
	<-sub.Done()
	return sub.Err()
}
