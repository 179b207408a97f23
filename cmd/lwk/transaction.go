package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tohrxyz/lwk/internal/core/application"
	"github.com/tohrxyz/lwk/pkg/builder"
	"github.com/tohrxyz/lwk/pkg/signer"
	"github.com/urfave/cli/v2"
)

var psetFlag = &cli.StringFlag{
	Name:     "pset",
	Usage:    "the base64 encoded PSET",
	Required: true,
}

var sendCmd = cli.Command{
	Name:  "send",
	Usage: "create an unsigned PSET paying the given recipients",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "to",
			Usage:    "a recipient in the form <address>:<amount>[:<asset>], the asset defaults to LBTC",
			Required: true,
		},
		&cli.Float64Flag{
			Name:  "sats_per_vbyte",
			Usage: "the fee rate, defaults to LWK_FEE_RATE",
		},
		&cli.UintFlag{
			Name:  "min_confirmations",
			Usage: "spend only utxos with at least the given confirmations",
		},
		&cli.BoolFlag{
			Name:  "explicit",
			Usage: "make recipient outputs unconfidential",
		},
	},
	Action: sendAction,
}

var analyzeCmd = cli.Command{
	Name:   "analyze",
	Usage:  "show what a PSET does to the wallet and who still has to sign it",
	Flags:  []cli.Flag{psetFlag},
	Action: analyzeAction,
}

var signCmd = cli.Command{
	Name:  "sign",
	Usage: "sign the wallet inputs of a PSET with a software or Jade signer",
	Flags: []cli.Flag{
		psetFlag,
		&cli.StringFlag{
			Name:  "mnemonic",
			Usage: "the mnemonic of the software signer",
		},
		&cli.StringFlag{
			Name:  "encrypted_mnemonic",
			Usage: "the encrypted mnemonic of the software signer",
		},
		&cli.StringFlag{
			Name:  "password",
			Usage: "the password to decrypt the mnemonic",
		},
		&cli.BoolFlag{
			Name:  "jade",
			Usage: "sign with the Jade at LWK_JADE_URL",
		},
		pinFlag,
		policyNameFlag,
	},
	Action: signAction,
}

var broadcastCmd = cli.Command{
	Name:   "broadcast",
	Usage:  "finalize a fully signed PSET and publish its transaction",
	Flags:  []cli.Flag{psetFlag},
	Action: broadcastAction,
}

func sendAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	recipients := make([]builder.Recipient, 0)
	for _, str := range ctx.StringSlice("to") {
		r, err := parseRecipient(str, walletSvc.Descriptor().Network.AssetID)
		if err != nil {
			return err
		}
		r.Explicit = ctx.Bool("explicit")
		recipients = append(recipients, r)
	}

	pset, err := walletSvc.CreateTransaction(ctx.Context, application.SendRequest{
		Recipients:       recipients,
		SatsPerVByte:     decimal.NewFromFloat(ctx.Float64("sats_per_vbyte")),
		MinConfirmations: uint32(ctx.Uint("min_confirmations")),
	})
	if err != nil {
		return err
	}

	fmt.Println(pset)
	return nil
}

func analyzeAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	analysis, err := walletSvc.AnalyzeTransaction(ctx.Context, ctx.String("pset"))
	if err != nil {
		return err
	}

	unknown := make([]string, 0, len(analysis.Unknown))
	for _, item := range analysis.Unknown {
		unknown = append(unknown, item.String())
	}
	missing := make(map[int][]string)
	for i, signers := range analysis.MissingSignatures {
		for _, s := range signers {
			missing[i] = append(missing[i], s.String())
		}
	}

	printJSON(map[string]interface{}{
		"balance":            analysis.Balance,
		"fee":                analysis.Fee,
		"unknown":            unknown,
		"missing_signatures": missing,
		"complete":           analysis.IsComplete(),
	})
	return nil
}

func signAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	net := walletSvc.Descriptor().Network
	var s signer.Signer
	switch {
	case ctx.Bool("jade"):
		engine, err := connectJade(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = engine.Disconnect() }()

		if name := ctx.String(policyNameFlag.Name); name != "" {
			if err := engine.RegisterMultisig(
				ctx.Context, name, walletSvc.Descriptor(),
			); err != nil {
				return err
			}
		}
		s = engine

	case ctx.String("mnemonic") != "":
		s, err = signer.NewSoftwareFromMnemonic(ctx.String("mnemonic"), "", net)
		if err != nil {
			return err
		}

	case ctx.String("encrypted_mnemonic") != "":
		words, err := signer.DecryptMnemonic(
			ctx.String("encrypted_mnemonic"), ctx.String("password"),
		)
		if err != nil {
			return err
		}
		s, err = signer.NewSoftwareFromMnemonic(strings.Join(words, " "), "", net)
		if err != nil {
			return err
		}

	default:
		return &invalidUsageError{ctx, ctx.Command.Name}
	}

	signed, err := walletSvc.SignTransaction(
		ctx.Context, ctx.String("pset"), s, ctx.String(policyNameFlag.Name),
	)
	if err != nil {
		return err
	}

	fmt.Println(signed)
	return nil
}

func broadcastAction(ctx *cli.Context) error {
	walletSvc, cleanup, err := getWalletService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	txid, err := walletSvc.BroadcastTransaction(ctx.Context, ctx.String("pset"))
	if err != nil {
		return err
	}

	fmt.Println(txid)
	return nil
}

func parseRecipient(str, defaultAsset string) (builder.Recipient, error) {
	parts := strings.Split(str, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return builder.Recipient{}, fmt.Errorf(
			"invalid recipient %s, must be in the form <address>:<amount>[:<asset>]",
			str,
		)
	}

	amount, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return builder.Recipient{}, fmt.Errorf("invalid amount %s: %w", parts[1], err)
	}
	asset := defaultAsset
	if len(parts) == 3 {
		asset = parts[2]
	}

	return builder.Recipient{
		Address: parts[0],
		Asset:   asset,
		Amount:  amount,
	}, nil
}
