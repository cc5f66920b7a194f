package services

import (
	"log/slog"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Warehouse WarehouseConfig
	AI        AIConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Semantic  SemanticConfig
	Loader    LoaderConfig
}

type ServerConfig struct {
	Port string
}

// DatabaseConfig configures the session store (sessions, turns, tool calls).
type DatabaseConfig struct {
	URL          string
	Seed         bool
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

// WarehouseConfig configures the retail warehouse the executor queries. It
// may point at the same database as the session store.
type WarehouseConfig struct {
	URL    string
	RowCap int
}

type AIConfig struct {
	GeminiAPIKey   string
	ModelID        string // provider:model_name
	EmbeddingModel string
	Debug          bool
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type SemanticConfig struct {
	ModelPath string
}

type LoaderConfig struct {
	DataDir     string
	LoadOnStart bool
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("ai.model_id", "google:gemini-2.5-flash")
	viper.SetDefault("ai.embedding_model", "gemini-embedding-001")
	viper.SetDefault("ai.debug", "false")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.seed", "true")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("warehouse.url", "")
	viper.SetDefault("warehouse.row_cap", "100")
	viper.SetDefault("semantic.model_path", "semantic_model.json")
	viper.SetDefault("loader.data_dir", "data")
	viper.SetDefault("loader.load_on_start", "false")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("ai.model_id", "AI_MODEL_ID")
	viper.BindEnv("ai.embedding_model", "AI_EMBEDDING_MODEL")
	viper.BindEnv("ai.debug", "AI_DEBUG")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.seed", "DATABASE_SEED")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("warehouse.url", "WAREHOUSE_URL")
	viper.BindEnv("warehouse.row_cap", "WAREHOUSE_ROW_CAP")
	viper.BindEnv("semantic.model_path", "SEMANTIC_MODEL_PATH")
	viper.BindEnv("loader.data_dir", "LOADER_DATA_DIR")
	viper.BindEnv("loader.load_on_start", "LOADER_LOAD_ON_START")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			Seed:         viper.GetBool("database.seed"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		Warehouse: WarehouseConfig{
			URL:    viper.GetString("warehouse.url"),
			RowCap: viper.GetInt("warehouse.row_cap"),
		},
		AI: AIConfig{
			GeminiAPIKey:   viper.GetString("gemini.api_key"),
			ModelID:        viper.GetString("ai.model_id"),
			EmbeddingModel: viper.GetString("ai.embedding_model"),
			Debug:          viper.GetBool("ai.debug"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Semantic: SemanticConfig{
			ModelPath: viper.GetString("semantic.model_path"),
		},
		Loader: LoaderConfig{
			DataDir:     viper.GetString("loader.data_dir"),
			LoadOnStart: viper.GetBool("loader.load_on_start"),
		},
	}
}
