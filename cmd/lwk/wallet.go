package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/crawler"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/urfave/cli/v2"
)

var syncCmd = cli.Command{
	Name:   "sync",
	Usage:  "update the wallet state with the latest history of its scripts",
	Action: syncAction,
}

var balanceCmd = cli.Command{
	Name:   "balance",
	Usage:  "get the spendable balance of the wallet per asset",
	Action: balanceAction,
}

var utxosCmd = cli.Command{
	Name:  "utxos",
	Usage: "get a list of the unspent outputs of the wallet",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "asset",
			Usage: "list only utxos of the given asset",
		},
		&cli.UintFlag{
			Name:  "min_confirmations",
			Usage: "list only utxos with at least the given confirmations",
		},
		&cli.BoolFlag{
			Name:  "include_unresolved",
			Usage: "list also the outputs that could not be unblinded",
		},
	},
	Action: utxosAction,
}

var txsCmd = cli.Command{
	Name:   "txs",
	Usage:  "get the transaction history of the wallet",
	Action: txsAction,
}

var addressCmd = cli.Command{
	Name:  "address",
	Usage: "get the first unused address of the wallet",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "change",
			Usage: "derive from the internal chain",
		},
	},
	Action: addressAction,
}

var watchCmd = cli.Command{
	Name:  "watch",
	Usage: "keep the wallet in sync and print the changes of its history",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "the time between two syncs",
			Value: 30 * time.Second,
		},
	},
	Action: watchAction,
}

func syncAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := walletSvc.Sync(ctx.Context)
	if err != nil {
		return err
	}

	printJSON(result)
	return nil
}

func balanceAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	balance, err := walletSvc.GetBalance(ctx.Context)
	if err != nil {
		return err
	}

	printJSON(balance)
	return nil
}

func utxosAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	utxos, err := walletSvc.ListUtxos(ctx.Context, wallet.Filter{
		Asset:             ctx.String("asset"),
		MinConfirmations:  uint32(ctx.Uint("min_confirmations")),
		IncludeUnresolved: ctx.Bool("include_unresolved"),
	})
	if err != nil {
		return err
	}

	printJSON(utxos)
	return nil
}

func txsAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	txs, err := walletSvc.ListTransactions(ctx.Context)
	if err != nil {
		return err
	}

	printJSON(txs)
	return nil
}

func addressAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	chain := descriptor.External
	if ctx.Bool("change") {
		chain = descriptor.Internal
	}

	addr, err := walletSvc.DeriveAddress(ctx.Context, chain)
	if err != nil {
		return err
	}

	printJSON(map[string]interface{}{
		"address":         addr.Address,
		"chain":           addr.Chain.String(),
		"index":           addr.Index,
		"script":          addr.Script,
		"blinding_pubkey": addr.BlindingPubkey,
	})
	return nil
}

func watchAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	crawlerSvc := crawler.NewService(crawler.Opts{
		Interval: ctx.Duration("interval"),
		ErrorHandler: func(err error) {
			log.WithError(err).Warn("sync failed")
		},
	})
	go crawlerSvc.Start()

	walletID := wallet.ID(walletSvc.Descriptor())
	crawlerSvc.AddWallet(walletID, walletSvc)

	go func() {
		<-ctx.Context.Done()
		crawlerSvc.Stop()
	}()

	for event := range crawlerSvc.GetEventChannel() {
		e, ok := event.(crawler.TransactionEvent)
		if !ok {
			break
		}
		printJSON(map[string]interface{}{
			"event":      e.EventType.String(),
			"txid":       e.TxID,
			"tip_height": e.TipHeight,
		})
	}
	return nil
}
