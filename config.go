package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	configDirPathEnv     = "WALLETSYNC_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// Config represents the overall application configuration
type Config struct {
	LedgerAPIURL    string `env:"WALLETSYNC_LEDGER_API_URL" env-default:"https://api.coinpath.dev/v1"`
	LedgerWSURL     string `env:"WALLETSYNC_LEDGER_WS_URL" env-default:""`
	LedgerAPISecret string `env:"WALLETSYNC_LEDGER_API_SECRET"`
	WalletID        string `env:"WALLETSYNC_WALLET_ID"`

	Network             string `env:"WALLETSYNC_NETWORK" env-default:"mainnet"`
	AccountXpriv        string `env:"WALLETSYNC_ACCOUNT_XPRIV"`
	LightningDefaultKey string `env:"WALLETSYNC_LIGHTNING_DEFAULT_KEY"`

	GapLimit           uint32        `env:"WALLETSYNC_GAP_LIMIT" env-default:"20"`
	SyncInterval       time.Duration `env:"WALLETSYNC_SYNC_INTERVAL" env-default:"5m"`
	DetailBatchSize    int           `env:"WALLETSYNC_DETAIL_BATCH_SIZE" env-default:"25"`
	MaxInFlightBatches int           `env:"WALLETSYNC_MAX_IN_FLIGHT_BATCHES" env-default:"5"`

	MetricsListenAddr string `env:"WALLETSYNC_METRICS_LISTEN_ADDR" env-default:":4242"`

	dbConf      DatabaseConfig
	chainParams *chaincfg.Params
}

// LoadConfig builds configuration from environment variables
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	// Load .env files
	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		logger.Error("failed to read env", "err", err)
		return nil, err
	}

	// Get database URL from environment variables
	dbURL := os.Getenv("WALLETSYNC_DATABASE_URL")

	// If DATABASE_URL is not empty, parse the connection string
	// Otherwise, read the envs in usual way
	if dbURL != "" {
		dbConf, err := ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
		config.dbConf = dbConf
	} else {
		if err := cleanenv.ReadEnv(&config.dbConf); err != nil {
			logger.Error("failed to read env", "err", err)
			return nil, err
		}
	}

	params, err := chainParamsForNetwork(config.Network)
	if err != nil {
		logger.Fatal("invalid WALLETSYNC_NETWORK value", "value", config.Network)
	}
	config.chainParams = params
	logger.Info("set network", "value", config.Network)

	if config.AccountXpriv == "" {
		logger.Fatal("WALLETSYNC_ACCOUNT_XPRIV environment variable is required")
	}

	if config.GapLimit == 0 {
		logger.Warn("gap limit of zero is not usable, falling back to default", "default", 20)
		config.GapLimit = 20
	}
	logger.Info("set gap limit", "value", config.GapLimit)
	logger.Info("set sync interval", "value", config.SyncInterval)

	return &config, nil
}

func chainParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
}
