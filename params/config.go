package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Exchange struct {
	// FeeReceiver is credited with every taker fee.
	FeeReceiver common.Address
	// Fee charged on a fill is amountBuy * FeeRate / FeeScale, truncated.
	FeeRate  uint64
	FeeScale uint64
}

type Storage struct {
	DataDir string
	DBPath  string
	// AuditLogPath, when set, receives every committed event as one JSON line.
	AuditLogPath string
	// VerifyOnStart replays the persisted event log and compares it with the
	// materialized state before serving.
	VerifyOnStart bool
}

type API struct {
	Addr              string
	CORSOrigins       []string
	RequireSignatures bool
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Node struct {
	LogFile    string
	LogLevel   string
	DevnetSeed bool
}

type Config struct {
	Exchange Exchange
	Storage  Storage
	API      API
	Kafka    Kafka
	Node     Node
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			FeeReceiver: common.HexToAddress("0x00000000000000000000000000000000000fee01"),
			FeeRate:     10,
			FeeScale:    1000, // 1%
		},
		Storage: Storage{
			DataDir:       "data",
			DBPath:        "data/exchange.db",
			VerifyOnStart: true,
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Kafka: Kafka{
			Topic: "exchange.events",
		},
		Node: Node{
			LogFile:  "data/node.log",
			LogLevel: "info",
		},
	}
}

// Validate rejects fee schedules that could not be charged.
func (c Config) Validate() error {
	if c.Exchange.FeeScale == 0 {
		return errors.New("fee scale must be positive")
	}
	if c.Exchange.FeeRate > c.Exchange.FeeScale {
		return fmt.Errorf("fee rate %d exceeds scale %d", c.Exchange.FeeRate, c.Exchange.FeeScale)
	}
	if c.Storage.DBPath == "" {
		return errors.New("db path must be set")
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if recv := os.Getenv("FEE_RECEIVER"); recv != "" && common.IsHexAddress(recv) {
		cfg.Exchange.FeeReceiver = common.HexToAddress(recv)
	}
	if rate := os.Getenv("FEE_RATE"); rate != "" {
		if v, err := strconv.ParseUint(rate, 10, 64); err == nil {
			cfg.Exchange.FeeRate = v
		}
	}
	if scale := os.Getenv("FEE_SCALE"); scale != "" {
		if v, err := strconv.ParseUint(scale, 10, 64); err == nil {
			cfg.Exchange.FeeScale = v
		}
	}

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DataDir+"/exchange.db")
	cfg.Storage.AuditLogPath = getEnv("AUDIT_LOG_FILE", cfg.Storage.AuditLogPath)
	if verify := os.Getenv("VERIFY_ON_START"); verify != "" {
		cfg.Storage.VerifyOnStart = verify == "true"
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}
	if sigs := os.Getenv("API_REQUIRE_SIGNATURES"); sigs != "" {
		cfg.API.RequireSignatures = sigs == "true"
	}

	// Example: "localhost:9092,localhost:9093"
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Storage.DataDir+"/node.log")
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if seed := os.Getenv("DEVNET_SEED"); seed != "" {
		cfg.Node.DevnetSeed = seed == "true"
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
