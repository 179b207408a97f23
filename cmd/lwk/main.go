package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/internal/config"
	"github.com/tohrxyz/lwk/internal/core/application"
	walletstore "github.com/tohrxyz/lwk/internal/infrastructure/storage/badger"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/explorer/esplora"
	"github.com/tohrxyz/lwk/pkg/stats"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"

	descriptorFlag = &cli.StringFlag{
		Name:  "descriptor",
		Usage: "the CT descriptor of the wallet, overrides LWK_DESCRIPTOR",
	}
)

func main() {
	app := cli.NewApp()

	app.Version = version
	app.Name = "lwk"
	app.Usage = "Watch-only Liquid wallet and multisig signing toolkit"
	app.Flags = []cli.Flag{descriptorFlag}
	app.Before = func(*cli.Context) error {
		if err := config.InitConfig(); err != nil {
			return err
		}
		log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))
		return nil
	}
	app.Commands = append(
		app.Commands,
		&syncCmd,
		&watchCmd,
		&balanceCmd,
		&utxosCmd,
		&txsCmd,
		&addressCmd,
		&sendCmd,
		&analyzeCmd,
		&signCmd,
		&broadcastCmd,
		&mnemonicCmd,
		&jadeCmd,
	)

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGTERM, syscall.SIGINT,
	)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fatal(err)
	}
}

// getWalletService wires the wallet service with the configured esplora
// provider and badger store. The returned cleanup closes the store.
func getWalletService(
	ctx *cli.Context,
) (application.WalletService, func(), error) {
	desc, err := getDescriptor(ctx)
	if err != nil {
		return nil, nil, err
	}

	if config.GetBool(config.EnableProfilerKey) {
		stats.EnableMemoryStatistics(
			ctx.Context, config.GetSeconds(config.StatsIntervalKey),
			config.GetStatsFile(),
		)
	}

	explorerSvc, err := esplora.NewService(esplora.Opts{
		URL:            config.GetString(config.EsploraURLKey),
		RequestTimeout: config.GetSeconds(config.EsploraRequestTimeoutKey),
		RateLimit:      config.GetInt(config.EsploraRateLimitKey),
		MaxAttempts:    config.GetInt(config.EsploraMaxAttemptsKey),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to esplora: %w", err)
	}

	store, err := walletstore.NewStore(config.GetDbDir(), log.StandardLogger())
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = store.Close() }

	cfg := &application.Config{
		Descriptor:  desc.String(),
		Network:     config.GetNetwork(),
		Explorer:    explorerSvc,
		Store:       store,
		GapLimit:    uint32(config.GetInt(config.GapLimitKey)),
		Concurrency: config.GetInt(config.SyncConcurrencyKey),
		FeeRate:     config.GetFeeRate(),
	}
	if err := cfg.Validate(); err != nil {
		cleanup()
		return nil, nil, err
	}

	return cfg.WalletService(), cleanup, nil
}

func getDescriptor(ctx *cli.Context) (*descriptor.Descriptor, error) {
	desc := ctx.String(descriptorFlag.Name)
	if desc == "" {
		desc = config.GetString(config.DescriptorKey)
	}
	if desc == "" {
		return nil, fmt.Errorf(
			"set the wallet descriptor with --%s or LWK_DESCRIPTOR",
			descriptorFlag.Name,
		)
	}
	return descriptor.ParseWithNetwork(desc, config.GetNetwork())
}

func printJSON(resp interface{}) {
	buf, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		fmt.Println("unable to encode response: ", err)
		return
	}
	fmt.Println(string(buf))
}

type invalidUsageError struct {
	ctx     *cli.Context
	command string
}

func (e *invalidUsageError) Error() string {
	return fmt.Sprintf("invalid usage of command %s", e.command)
}

func fatal(err error) {
	var e *invalidUsageError
	if errors.As(err, &e) {
		_ = cli.ShowCommandHelp(e.ctx, e.command)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "[lwk] %v\n", err)
	}
	os.Exit(1)
}
