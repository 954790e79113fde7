package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	DataDir     string
	LogFile     string // empty logs to stdout only
	LogLevel    string
	JournalFile string // JSON-lines event audit trail, empty disables
	ChainID     int64
	// Paused pauses submissions at startup, on top of the persisted flag
	Paused bool
	// Replica nodes run no engine; they follow the committing node's events
	Replica bool
}

type API struct {
	Addr           string
	AllowedOrigins []string
	MetricsNS      string
}

type Engine struct {
	MarketOrderTTL      time.Duration
	LiquidationFeeBps   int64
	SyncMarketExecution bool
	MarketsFile         string // YAML catalog; empty uses the built-in markets
}

type Keeper struct {
	Enabled      bool
	Interval     time.Duration
	Address      string // identity used for execution and liquidation
	Liquidations bool
}

// Roles lists operator addresses; with none configured every caller is allowed
type Roles struct {
	Governance []string
	Executors  []string
}

type Events struct {
	NATSURL    string
	NATSPrefix string
	P2PListen  string
	Bootstrap  []string
	Backlog    int
}

type Config struct {
	Node   Node
	API    API
	Engine Engine
	Keeper Keeper
	Roles  Roles
	Events Events
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:  "data/ledger",
			LogFile:  "data/node.log",
			LogLevel: "info",
			ChainID:  1337,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			MetricsNS:      "perp",
		},
		Engine: Engine{
			MarketOrderTTL:      5 * time.Minute,
			LiquidationFeeBps:   1000,
			SyncMarketExecution: true,
		},
		Keeper: Keeper{
			Enabled:      true,
			Interval:     time.Second,
			Address:      "0x00000000000000000000000000000000000000Ee",
			Liquidations: true,
		},
		Events: Events{
			NATSPrefix: "perp.events",
			Backlog:    4096,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.JournalFile = getEnv("JOURNAL_FILE", cfg.Node.JournalFile)
	cfg.Node.ChainID = getInt("CHAIN_ID", cfg.Node.ChainID)
	cfg.Node.Paused = getBool("PAUSED", cfg.Node.Paused)
	cfg.Node.Replica = getBool("REPLICA", cfg.Node.Replica)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AllowedOrigins = getList("ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.API.MetricsNS = getEnv("METRICS_NAMESPACE", cfg.API.MetricsNS)

	cfg.Engine.MarketsFile = getEnv("MARKETS_FILE", cfg.Engine.MarketsFile)
	if s := getInt("MARKET_ORDER_TTL_S", -1); s >= 0 {
		cfg.Engine.MarketOrderTTL = time.Duration(s) * time.Second
	}
	cfg.Engine.LiquidationFeeBps = getInt("LIQUIDATION_FEE_BPS", cfg.Engine.LiquidationFeeBps)
	cfg.Engine.SyncMarketExecution = getBool("SYNC_MARKET_EXECUTION", cfg.Engine.SyncMarketExecution)

	cfg.Keeper.Enabled = getBool("KEEPER_ENABLED", cfg.Keeper.Enabled)
	if ms := getInt("KEEPER_INTERVAL_MS", 0); ms > 0 {
		cfg.Keeper.Interval = time.Duration(ms) * time.Millisecond
	}
	cfg.Keeper.Address = getEnv("KEEPER_ADDRESS", cfg.Keeper.Address)
	cfg.Keeper.Liquidations = getBool("KEEPER_LIQUIDATIONS", cfg.Keeper.Liquidations)

	cfg.Roles.Governance = getList("GOVERNANCE_ADDRESSES", cfg.Roles.Governance)
	cfg.Roles.Executors = getList("EXECUTOR_ADDRESSES", cfg.Roles.Executors)

	cfg.Events.NATSURL = getEnv("NATS_URL", cfg.Events.NATSURL)
	cfg.Events.NATSPrefix = getEnv("NATS_PREFIX", cfg.Events.NATSPrefix)
	cfg.Events.P2PListen = getEnv("P2P_LISTEN", cfg.Events.P2PListen)
	cfg.Events.Bootstrap = getList("P2P_BOOTSTRAP", cfg.Events.Bootstrap)
	cfg.Events.Backlog = int(getInt("P2P_BACKLOG", int64(cfg.Events.Backlog)))

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// getList splits a comma-separated value, e.g. "0xabc,0xdef"
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
