package config

// AppConfig holds the process environment. Values are read once at startup
// and never mutated afterwards.
type AppConfig struct {
	LNDAddress      string `envconfig:"LND_ADDRESS"`
	LNDCertFile     string `envconfig:"LND_CERT_FILE"`
	LNDMacaroonFile string `envconfig:"LND_MACAROON_FILE"`
	Workdir         string `envconfig:"WORK_DIR"`
	Port            string `envconfig:"PORT" default:"1610"`
	DatabaseUri     string `envconfig:"DATABASE_URI" default:"lspd.db"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"4"`
	LogToFile       bool   `envconfig:"LOG_TO_FILE" default:"true"`
	LogDBQueries    bool   `envconfig:"LOG_DB_QUERIES" default:"false"`
	Network         string `envconfig:"NETWORK" default:"mainnet"`

	// LSPS1 order admission bounds, advertised in lsps1.get_info and
	// enforced on every create_order request.
	MinInitialLspBalanceSat    uint64 `envconfig:"LSPS1_MIN_INITIAL_LSP_BALANCE_SAT" default:"100000"`
	MaxInitialLspBalanceSat    uint64 `envconfig:"LSPS1_MAX_INITIAL_LSP_BALANCE_SAT" default:"100000000"`
	MinInitialClientBalanceSat uint64 `envconfig:"LSPS1_MIN_INITIAL_CLIENT_BALANCE_SAT" default:"0"`
	MaxInitialClientBalanceSat uint64 `envconfig:"LSPS1_MAX_INITIAL_CLIENT_BALANCE_SAT" default:"0"`
	MinChannelBalanceSat       uint64 `envconfig:"LSPS1_MIN_CHANNEL_BALANCE_SAT" default:"100000"`
	MaxChannelBalanceSat       uint64 `envconfig:"LSPS1_MAX_CHANNEL_BALANCE_SAT" default:"100000000"`

	MinChannelConfirmations    uint16 `envconfig:"LSPS1_MIN_CHANNEL_CONFIRMATIONS" default:"6"`
	MinFundingConfirmsWithin   uint16 `envconfig:"LSPS1_MIN_FUNDING_CONFIRMS_WITHIN_BLOCKS" default:"1"`
	MaxChannelExpiryBlocks     uint32 `envconfig:"LSPS1_MAX_CHANNEL_EXPIRY_BLOCKS" default:"51260"`
	SupportsZeroChannelReserve bool   `envconfig:"LSPS1_SUPPORTS_ZERO_CHANNEL_RESERVE" default:"false"`
	OrderLifetimeSeconds       uint64 `envconfig:"LSPS1_ORDER_LIFETIME_SECONDS" default:"21600"`
	RequiredToken              string `envconfig:"LSPS1_REQUIRED_TOKEN"`
	AnnounceChannelsOnly       bool   `envconfig:"LSPS1_ANNOUNCE_CHANNELS_ONLY" default:"false"`
	SweepIntervalSeconds       uint64 `envconfig:"LSPS1_SWEEP_INTERVAL_SECONDS" default:"60"`
	Website                    string `envconfig:"LSPS1_WEBSITE"`

	// Fee policy for the linear calculator.
	FeeBaseSat      uint64 `envconfig:"LSPS1_FEE_BASE_SAT" default:"2000"`
	FeeOnchainPpm   uint64 `envconfig:"LSPS1_FEE_ONCHAIN_PPM" default:"1000000"`
	FeeLiquidityPpb uint64 `envconfig:"LSPS1_FEE_LIQUIDITY_PPB" default:"400"`
}
