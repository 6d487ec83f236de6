package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	yaml "gopkg.in/yaml.v2"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// Config is the parsed, validated runtime configuration shared by the relay
// pipeline and the paymaster service.
type Config struct {
	Logger      sdklogging.Logger
	Environment sdklogging.LogLevel

	EthRpcUrl     string
	BundlerRpcUrl string

	// ControllerPrivateKey signs user operations on behalf of smart account
	// owners; its address is what the on-chain account trusts.
	ControllerPrivateKey *ecdsa.PrivateKey
	ControllerAddress    common.Address

	FactoryAddress    common.Address
	EntrypointAddress common.Address

	// AdminAddress is the single identity allowed to mutate quota state.
	AdminAddress common.Address

	ServerAddr string
	DbPath     string
	SentryDsn  string

	// Wei ceilings seeded into the engine at startup; nil keeps the engine's
	// built-in defaults.
	DailyLimit   *big.Int
	MonthlyLimit *big.Int
	PerUserLimit *big.Int

	WhitelistedContracts []common.Address
}

// ConfigRaw is the YAML shape of the config file. Spending limits are decimal
// ETH strings, converted to wei during parsing.
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment"`

	EthRpcUrl     string `yaml:"eth_rpc_url"`
	BundlerRpcUrl string `yaml:"bundler_rpc_url"`

	ControllerPrivateKey string `yaml:"controller_private_key"`

	FactoryAddress    string `yaml:"factory_address"`
	EntrypointAddress string `yaml:"entrypoint_address"`
	AdminAddress      string `yaml:"admin_address"`

	ServerAddr string `yaml:"server_address"`
	DbPath     string `yaml:"db_path"`
	SentryDsn  string `yaml:"sentry_dsn"`

	DailyLimitEth   string `yaml:"daily_limit_eth"`
	MonthlyLimitEth string `yaml:"monthly_limit_eth"`
	PerUserLimitEth string `yaml:"per_user_limit_eth"`

	WhitelistedContracts []string `yaml:"whitelisted_contracts"`
}

func NewConfig(configFilePath string) (*Config, error) {
	raw, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}

	var configRaw ConfigRaw
	if err := yaml.Unmarshal(raw, &configRaw); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", configFilePath, err)
	}

	return newConfigFromRaw(&configRaw)
}

func newConfigFromRaw(configRaw *ConfigRaw) (*Config, error) {
	logger, err := sdklogging.NewZapLogger(configRaw.Environment)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Logger:      logger,
		Environment: configRaw.Environment,

		EthRpcUrl:     configRaw.EthRpcUrl,
		BundlerRpcUrl: configRaw.BundlerRpcUrl,

		FactoryAddress:    common.HexToAddress(configRaw.FactoryAddress),
		EntrypointAddress: common.HexToAddress(configRaw.EntrypointAddress),
		AdminAddress:      common.HexToAddress(configRaw.AdminAddress),

		ServerAddr: configRaw.ServerAddr,
		DbPath:     configRaw.DbPath,
		SentryDsn:  configRaw.SentryDsn,

		WhitelistedContracts: convertToAddressSlice(configRaw.WhitelistedContracts),
	}

	if configRaw.ControllerPrivateKey != "" {
		key, err := crypto.HexToECDSA(configRaw.ControllerPrivateKey)
		if err != nil {
			logger.Errorf("Cannot parse controller private key", "err", err)
			return nil, err
		}
		config.ControllerPrivateKey = key
		config.ControllerAddress = crypto.PubkeyToAddress(key.PublicKey)
	}

	if config.DailyLimit, err = ethToWei(configRaw.DailyLimitEth); err != nil {
		return nil, err
	}
	if config.MonthlyLimit, err = ethToWei(configRaw.MonthlyLimitEth); err != nil {
		return nil, err
	}
	if config.PerUserLimit, err = ethToWei(configRaw.PerUserLimitEth); err != nil {
		return nil, err
	}

	if config.ServerAddr == "" {
		config.ServerAddr = ":8080"
	}

	config.validate()
	return config, nil
}

func (c *Config) validate() {
	if c.AdminAddress == (common.Address{}) {
		panic("Config: admin_address is required")
	}
	if c.DbPath == "" {
		panic("Config: db_path is required")
	}
}
