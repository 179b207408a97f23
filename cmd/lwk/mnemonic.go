package main

import (
	"fmt"
	"strings"

	"github.com/tohrxyz/lwk/internal/config"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/signer"
	"github.com/urfave/cli/v2"
)

var mnemonicCmd = cli.Command{
	Name:  "mnemonic",
	Usage: "manage the mnemonics of software signers",
	Subcommands: []*cli.Command{
		{
			Name:  "new",
			Usage: "generate a new mnemonic, optionally encrypted with a password",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "entropy_size",
					Usage: "the entropy bits of the mnemonic, from 128 (12 words) to 256 (24 words)",
					Value: 128,
				},
				&cli.StringFlag{
					Name:  "password",
					Usage: "the password to encrypt the mnemonic with",
				},
			},
			Action: newMnemonicAction,
		},
		{
			Name:  "keyorigin",
			Usage: "get the descriptor key expression of the account of a mnemonic",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "mnemonic",
					Usage:    "the mnemonic of the signer",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "path",
					Usage: "the derivation path of the account",
					Value: "m/84'/1776'/0'",
				},
			},
			Action: keyOriginAction,
		},
	},
}

func newMnemonicAction(ctx *cli.Context) error {
	mnemonic, err := signer.NewMnemonic(signer.NewMnemonicOpts{
		EntropySize: ctx.Int("entropy_size"),
	})
	if err != nil {
		return err
	}

	password := ctx.String("password")
	if password == "" {
		fmt.Println(strings.Join(mnemonic, " "))
		return nil
	}

	encrypted, err := signer.EncryptMnemonic(mnemonic, password)
	if err != nil {
		return err
	}

	printJSON(map[string]string{
		"mnemonic":           strings.Join(mnemonic, " "),
		"encrypted_mnemonic": encrypted,
	})
	return nil
}

func keyOriginAction(ctx *cli.Context) error {
	path, err := descriptor.ParseDerivationPath(ctx.String("path"))
	if err != nil {
		return err
	}

	s, err := signer.NewSoftwareFromMnemonic(
		ctx.String("mnemonic"), "", config.GetNetwork(),
	)
	if err != nil {
		return err
	}

	keyOrigin, err := s.KeyOrigin(path)
	if err != nil {
		return err
	}

	fmt.Println(keyOrigin)
	return nil
}
