package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/foxcpp/maddy/internal/cache"
	"github.com/foxcpp/maddy/internal/config"
	"github.com/foxcpp/maddy/internal/dkim"
	"github.com/foxcpp/maddy/internal/inbound"
	"github.com/foxcpp/maddy/internal/mdclog"
	"github.com/foxcpp/maddy/internal/model"
	"github.com/foxcpp/maddy/internal/outbound"
	"github.com/foxcpp/maddy/internal/searchindex"
	"github.com/foxcpp/maddy/internal/store"
	"github.com/foxcpp/maddy/internal/taskrunner"
	"github.com/foxcpp/maddy/internal/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "mdc"
	app.Usage = "Mail Delivery Core process entrypoint"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "Start the inbound and outbound worker pools",
			Action: func(ctx *cli.Context) error {
				return runAction()
			},
		},
		{
			Name:  "dkim",
			Usage: "DKIM key management",
			Subcommands: []*cli.Command{
				{
					Name:      "generate-key",
					Usage:     "Generate and activate a signing key for a domain",
					ArgsUsage: "DOMAIN",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "algo",
							Usage: "Key algorithm: rsa2048, rsa4096 or ed25519",
							Value: dkim.AlgoRSA2048,
						},
						&cli.StringFlag{
							Name:  "selector",
							Usage: "DKIM selector",
							Value: "mdc",
						},
					},
					Action: func(ctx *cli.Context) error {
						if ctx.NArg() != 1 {
							return cli.Exit("Error: exactly one DOMAIN argument is required", 2)
						}
						return dkimGenerateKey(ctx.Args().First(), ctx.String("selector"), ctx.String("algo"))
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runAction wires every component and blocks until SIGINT/SIGTERM, following
// the teacher's maddy.Start/graceful-shutdown shape but scoped to this
// core's two worker pools rather than a protocol endpoint set.
func runAction() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := mdclog.New("mdc", os.Getenv("MDC_DEBUG") != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	c, err := cache.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	runner, err := taskrunner.New(ctx, 8, log)
	if err != nil {
		return fmt.Errorf("start task runner: %w", err)
	}

	index := searchindex.Noop{}
	ib := inbound.New(s, cfg, runner, index, log)
	tr := transport.New(log.With(map[string]interface{}{"component": "transport"}), cfg.MTAOutDirectProxies)
	ob := outbound.New(s, c, tr, ib, cfg, log.With(map[string]interface{}{"component": "outbound"}))

	stopScan := make(chan struct{})
	go retryStaleLoop(ctx, ib, ob, log, stopScan)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Msg("shutting down", nil)
	close(stopScan)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return runner.Close(shutdownCtx)
}

// retryStaleLoop periodically re-enqueues InboundMessage rows stuck in the
// queue (spec.md §4.5 step 9: rows older than 5 minutes) and re-attempts
// outbound messages with recipients due for retry (spec.md §5's backoff
// schedule), mirroring the teacher's background-timer style used by
// framework/hooks-driven maintenance tasks.
func retryStaleLoop(ctx context.Context, ib *inbound.Pipeline, ob *outbound.Dispatcher, log mdclog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ib.RetryStale(ctx); err != nil {
				log.Error("retry stale inbound queue scan failed", err, nil)
			}
			if err := ob.RetryPending(ctx); err != nil {
				log.Error("retry pending outbound scan failed", err, nil)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dkimGenerateKey implements `mdc dkim generate-key`, wrapping C3's
// generate_dkim_key the way cmd/maddyctl wraps module operations: resolve
// the target (here a MailDomain by name), perform the operation, print the
// result for the operator to act on (publish the DNS record).
func dkimGenerateKey(domainName, selector, algo string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	domain, err := s.Mailboxes.GetDomainByName(domainName)
	if err != nil {
		return fmt.Errorf("unknown domain %q: %w", domainName, err)
	}

	generated, err := dkim.GenerateKey(algo)
	if err != nil {
		return err
	}

	if err := s.DKIMKeys.Deactivate(domain.ID); err != nil {
		return fmt.Errorf("deactivate existing keys: %w", err)
	}

	key := &model.DKIMKey{
		ID:         uuid.New(),
		DomainID:   domain.ID,
		Selector:   selector,
		Algorithm:  generated.Algorithm,
		KeySize:    keySize(generated.Algorithm),
		PrivateKey: dkim.MarshalPrivateKey(generated.PrivateDER),
		PublicKey:  generated.DNSRecord,
		IsActive:   true,
	}
	if err := s.DKIMKeys.Create(key); err != nil {
		return fmt.Errorf("store dkim key: %w", err)
	}

	fmt.Printf("Generated %s key for %s, selector %q.\n", generated.Algorithm, domainName, selector)
	fmt.Printf("Publish this TXT record at %s._domainkey.%s:\n\n%s\n", selector, domainName, generated.DNSRecord)
	return nil
}

func keySize(algo string) int {
	switch algo {
	case dkim.AlgoRSA2048:
		return 2048
	case dkim.AlgoRSA4096:
		return 4096
	default:
		return 0
	}
}
