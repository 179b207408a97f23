package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/internal/config"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/jade"
	"github.com/urfave/cli/v2"
)

var (
	pinFlag = &cli.StringFlag{
		Name:  "pin",
		Usage: "the PIN of the Jade",
	}
	policyNameFlag = &cli.StringFlag{
		Name:  "policy_name",
		Usage: "the name of the multisig setup registered on the Jade",
	}
)

var jadeCmd = cli.Command{
	Name:  "jade",
	Usage: "interact with a Jade hardware signer",
	Subcommands: []*cli.Command{
		{
			Name:   "info",
			Usage:  "get the version info and the identity of the Jade",
			Flags:  []cli.Flag{pinFlag},
			Action: jadeInfoAction,
		},
		{
			Name:  "xpub",
			Usage: "get the xpub of the Jade at the given derivation path",
			Flags: []cli.Flag{
				pinFlag,
				&cli.StringFlag{
					Name:  "path",
					Usage: "the derivation path, ie. m/84'/1'/0'",
					Value: "m/84'/1776'/0'",
				},
			},
			Action: jadeXpubAction,
		},
		{
			Name:   "register",
			Usage:  "register the multisig setup of the wallet descriptor on the Jade",
			Flags:  []cli.Flag{pinFlag, policyNameFlag},
			Action: jadeRegisterAction,
		},
	},
}

func jadeInfoAction(ctx *cli.Context) error {
	engine, err := connectJade(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Disconnect() }()

	identity, err := engine.LoadIdentity(ctx.Context)
	if err != nil {
		return err
	}

	info := engine.Version()
	printJSON(map[string]interface{}{
		"version":     info.JadeVersion,
		"networks":    info.JadeNetworks,
		"state":       engine.State().String(),
		"fingerprint": identity.Fingerprint.String(),
	})
	return nil
}

func jadeXpubAction(ctx *cli.Context) error {
	path, err := descriptor.ParseDerivationPath(ctx.String("path"))
	if err != nil {
		return err
	}

	engine, err := connectJade(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Disconnect() }()

	xpub, err := engine.GetXpub(ctx.Context, path)
	if err != nil {
		return err
	}

	fmt.Println(xpub)
	return nil
}

func jadeRegisterAction(ctx *cli.Context) error {
	name := ctx.String(policyNameFlag.Name)
	if name == "" {
		return &invalidUsageError{ctx, ctx.Command.Name}
	}
	desc, err := getDescriptor(ctx)
	if err != nil {
		return err
	}

	engine, err := connectJade(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Disconnect() }()

	if err := engine.RegisterMultisig(ctx.Context, name, desc); err != nil {
		return err
	}

	fmt.Printf("multisig %s registered\n", name)
	return nil
}

// connectJade opens a session with the Jade at the configured url and
// unlocks it with the given PIN.
func connectJade(ctx *cli.Context) (*jade.Engine, error) {
	url := config.GetString(config.JadeURLKey)
	if url == "" {
		return nil, fmt.Errorf("set the Jade websocket url with LWK_JADE_URL")
	}
	pin := ctx.String(pinFlag.Name)
	if pin == "" {
		return nil, &invalidUsageError{ctx, ctx.Command.Name}
	}

	engine, err := jade.NewEngine(
		jade.NewWebsocketTransport(url, 0),
		jade.EngineOpts{
			Network: config.GetNetwork(),
			PinServer: jade.NewHTTPPinServer(
				config.GetSeconds(config.PinServerTimeoutKey),
			),
			MaxAttempts: config.GetInt(config.JadeMaxAttemptsKey),
		},
	)
	if err != nil {
		return nil, err
	}

	if err := engine.Connect(ctx.Context); err != nil {
		return nil, err
	}
	if err := engine.Unlock(ctx.Context, pin); err != nil {
		_ = engine.Disconnect()
		return nil, err
	}

	log.Debugf("jade %s unlocked", engine.Version().JadeVersion)
	return engine, nil
}
