package config

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Load читает конфиг из YAML файла. Если файл не найден, возвращается
// Default(). Переменные окружения (опционально из .env) имеют приоритет
// над файлом.
func Load(path string) (Config, error) {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VEXDB_DATA_DIR"); v != "" {
		cfg.DB.DataDir = v
	}
	if v := os.Getenv("VEXDB_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}
