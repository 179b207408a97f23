package application

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/network"
)

var defaultFeeRate = decimal.NewFromFloat(0.1)

type Config struct {
	Descriptor  string
	Network     *network.Network
	Explorer    explorer.Service
	Store       wallet.Store
	GapLimit    uint32
	Concurrency int
	FeeRate     decimal.Decimal

	desc   *descriptor.Descriptor
	wallet WalletService
}

func (c *Config) Validate() error {
	if len(c.Descriptor) <= 0 {
		return ErrMissingDescriptor
	}
	if c.Explorer == nil {
		return ErrMissingExplorer
	}
	if c.FeeRate.IsNegative() {
		return wallet.ErrInvalidFeeRate
	}
	if _, err := c.descriptor(); err != nil {
		return err
	}
	if _, err := c.walletService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) WalletService() WalletService {
	svc, _ := c.walletService()
	return svc
}

func (c *Config) descriptor() (*descriptor.Descriptor, error) {
	if c.desc != nil {
		return c.desc, nil
	}

	var (
		desc *descriptor.Descriptor
		err  error
	)
	if c.Network != nil {
		desc, err = descriptor.ParseWithNetwork(c.Descriptor, c.Network)
	} else {
		desc, err = descriptor.Parse(c.Descriptor)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}

	c.desc = desc
	return c.desc, nil
}

func (c *Config) walletService() (WalletService, error) {
	if c.wallet != nil {
		return c.wallet, nil
	}

	desc, err := c.descriptor()
	if err != nil {
		return nil, err
	}
	feeRate := c.FeeRate
	if feeRate.IsZero() {
		feeRate = defaultFeeRate
	}

	syncer, err := wallet.NewSyncer(desc, c.Explorer, wallet.SyncerOpts{
		GapLimit:    c.GapLimit,
		Concurrency: c.Concurrency,
		Store:       c.Store,
	})
	if err != nil {
		return nil, err
	}

	c.wallet = newWalletService(desc, syncer, c.Explorer, feeRate)
	return c.wallet, nil
}
