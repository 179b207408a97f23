package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/vulpemventures/go-elements/network"
)

const (
	// NetworkKey is the Liquid network of the wallet, one of liquid, testnet
	// or regtest
	NetworkKey = "NETWORK"
	// DatadirKey is the local data directory to store the wallet states
	DatadirKey = "DATADIR"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// EsploraURLKey is the base url of the esplora api used as chain data
	// provider. Defaults to the Blockstream instance of the network
	EsploraURLKey = "ESPLORA_URL"
	// EsploraRequestTimeoutKey is the timeout in seconds of a request to esplora
	EsploraRequestTimeoutKey = "ESPLORA_REQUEST_TIMEOUT"
	// EsploraRateLimitKey is the max number of requests per second sent to esplora
	EsploraRateLimitKey = "ESPLORA_RATE_LIMIT"
	// EsploraMaxAttemptsKey bounds the retries of a failing esplora request
	EsploraMaxAttemptsKey = "ESPLORA_MAX_ATTEMPTS"
	// GapLimitKey is the number of consecutive unused addresses after which
	// the wallet scan stops
	GapLimitKey = "GAP_LIMIT"
	// SyncConcurrencyKey bounds the parallel requests of a wallet scan
	SyncConcurrencyKey = "SYNC_CONCURRENCY"
	// FeeRateKey is the sats per vbyte ratio used for paying network fees
	FeeRateKey = "FEE_RATE"
	// DescriptorKey is the CT descriptor of the wallet
	DescriptorKey = "DESCRIPTOR"
	// JadeURLKey is the websocket endpoint of the Jade bridge
	JadeURLKey = "JADE_URL"
	// JadeMaxAttemptsKey bounds the retries of a message to the Jade after
	// transient faults
	JadeMaxAttemptsKey = "JADE_MAX_ATTEMPTS"
	// PinServerTimeoutKey is the timeout in seconds of the requests to the
	// Jade pin server
	PinServerTimeoutKey = "PIN_SERVER_TIMEOUT"
	// EnableProfilerKey enables printing memory statistics and dumping
	// metrics on shutdown
	EnableProfilerKey = "ENABLE_PROFILER"
	// StatsIntervalKey defines interval in seconds for printing memory statistics
	StatsIntervalKey = "STATS_INTERVAL"

	DbLocation       = "db"
	ProfilerLocation = "stats"

	NetworkLiquid  = "liquid"
	NetworkTestnet = "testnet"
	NetworkRegtest = "regtest"
)

var (
	vip            *viper.Viper
	defaultDatadir = btcutil.AppDataDir("lwk", false)

	defaultEsploraURLs = map[string]string{
		NetworkLiquid:  "https://blockstream.info/liquid/api",
		NetworkTestnet: "https://blockstream.info/liquidtestnet/api",
		NetworkRegtest: "http://localhost:3001",
	}
	networks = map[string]*network.Network{
		NetworkLiquid:  &network.Liquid,
		NetworkTestnet: &network.Testnet,
		NetworkRegtest: &network.Regtest,
	}
)

func InitConfig() error {
	vip = viper.New()
	vip.SetEnvPrefix("LWK")
	vip.AutomaticEnv()

	vip.SetDefault(NetworkKey, NetworkLiquid)
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(EsploraRequestTimeoutKey, 15)
	vip.SetDefault(EsploraRateLimitKey, 10)
	vip.SetDefault(EsploraMaxAttemptsKey, 3)
	vip.SetDefault(GapLimitKey, 20)
	vip.SetDefault(SyncConcurrencyKey, 8)
	vip.SetDefault(FeeRateKey, 0.1)
	vip.SetDefault(JadeMaxAttemptsKey, 3)
	vip.SetDefault(PinServerTimeoutKey, 15)
	vip.SetDefault(EnableProfilerKey, false)
	vip.SetDefault(StatsIntervalKey, 600)

	if err := validate(); err != nil {
		return fmt.Errorf("error while validating config: %s", err)
	}

	if !vip.IsSet(EsploraURLKey) {
		vip.Set(EsploraURLKey, defaultEsploraURLs[GetString(NetworkKey)])
	}

	if err := initDatadir(); err != nil {
		return fmt.Errorf("error while creating datadir: %s", err)
	}

	return nil
}

func GetString(key string) string {
	return vip.GetString(key)
}

func GetInt(key string) int {
	return vip.GetInt(key)
}

func GetFloat(key string) float64 {
	return vip.GetFloat64(key)
}

func GetDuration(key string) time.Duration {
	return vip.GetDuration(key)
}

func GetBool(key string) bool {
	return vip.GetBool(key)
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

func GetDbDir() string {
	return filepath.Join(GetDatadir(), DbLocation)
}

func GetStatsFile() string {
	return filepath.Join(GetDatadir(), ProfilerLocation, "stats.txt")
}

// GetNetwork returns the configured Liquid network.
func GetNetwork() *network.Network {
	return networks[GetString(NetworkKey)]
}

// GetFeeRate returns the configured fee rate in sats per vbyte.
func GetFeeRate() decimal.Decimal {
	return decimal.NewFromFloat(GetFloat(FeeRateKey))
}

// GetSeconds returns the given key as a duration expressed in seconds.
func GetSeconds(key string) time.Duration {
	return time.Duration(GetInt(key)) * time.Second
}

func validate() error {
	datadir := GetString(DatadirKey)
	if len(datadir) <= 0 {
		return fmt.Errorf("missing datadir")
	}

	net := strings.ToLower(GetString(NetworkKey))
	if _, ok := networks[net]; !ok {
		return fmt.Errorf(
			"unknown network %s, must be one of %s, %s or %s",
			net, NetworkLiquid, NetworkTestnet, NetworkRegtest,
		)
	}
	vip.Set(NetworkKey, net)

	logLevel := GetInt(LogLevelKey)
	if logLevel < 0 || logLevel > 6 {
		return fmt.Errorf("%s must be in range [0, 6]", LogLevelKey)
	}

	if GetInt(GapLimitKey) <= 0 {
		return fmt.Errorf("%s must be greater than zero", GapLimitKey)
	}
	if GetInt(SyncConcurrencyKey) <= 0 {
		return fmt.Errorf("%s must be greater than zero", SyncConcurrencyKey)
	}

	feeRate := GetFloat(FeeRateKey)
	if feeRate < 0.1 {
		return fmt.Errorf("%s must be equal or greater than 0.1", FeeRateKey)
	}

	for _, key := range []string{
		EsploraRequestTimeoutKey, EsploraRateLimitKey, EsploraMaxAttemptsKey,
		JadeMaxAttemptsKey, PinServerTimeoutKey,
	} {
		if GetInt(key) <= 0 {
			return fmt.Errorf("%s must be greater than zero", key)
		}
	}

	if jadeURL := GetString(JadeURLKey); len(jadeURL) > 0 &&
		!strings.HasPrefix(jadeURL, "ws://") &&
		!strings.HasPrefix(jadeURL, "wss://") {
		return fmt.Errorf("%s must be a websocket url", JadeURLKey)
	}

	return nil
}

func initDatadir() error {
	datadir := GetDatadir()
	if err := makeDirectoryIfNotExists(filepath.Join(datadir, DbLocation)); err != nil {
		return err
	}

	profilerEnabled := GetBool(EnableProfilerKey)
	if profilerEnabled {
		if err := makeDirectoryIfNotExists(filepath.Join(datadir, ProfilerLocation)); err != nil {
			return err
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
