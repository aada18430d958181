package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Discipline DisciplineConfig
	Exports    ExportsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// DisciplineConfig carries the escalation thresholds and recording policy.
type DisciplineConfig struct {
	AttendanceFrequencyThreshold int
	DressCodeFrequencyThreshold  int
	SeverePointsMin              int
	SeverePointsMax              int
	AccumulationPointsMin        int
	AccumulationPointsMax        int
	EditWindow                   time.Duration
	SummaryCacheTTL              time.Duration
	CatalogReconcileWorkers      int
}

// ExportsConfig bounds case register exports.
type ExportsConfig struct {
	MaxRows int
	CSVBOM  bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Discipline = DisciplineConfig{
		AttendanceFrequencyThreshold: v.GetInt("DISCIPLINE_ATTENDANCE_THRESHOLD"),
		DressCodeFrequencyThreshold:  v.GetInt("DISCIPLINE_DRESS_CODE_THRESHOLD"),
		SeverePointsMin:              v.GetInt("DISCIPLINE_SEVERE_POINTS_MIN"),
		SeverePointsMax:              v.GetInt("DISCIPLINE_SEVERE_POINTS_MAX"),
		AccumulationPointsMin:        v.GetInt("DISCIPLINE_ACCUMULATION_POINTS_MIN"),
		AccumulationPointsMax:        v.GetInt("DISCIPLINE_ACCUMULATION_POINTS_MAX"),
		EditWindow:                   parseDuration(v.GetString("DISCIPLINE_EDIT_WINDOW"), 24*time.Hour),
		SummaryCacheTTL:              parseDuration(v.GetString("DISCIPLINE_SUMMARY_CACHE_TTL"), 5*time.Minute),
		CatalogReconcileWorkers:      v.GetInt("DISCIPLINE_CATALOG_WORKERS"),
	}

	cfg.Exports = ExportsConfig{
		MaxRows: v.GetInt("EXPORT_MAX_ROWS"),
		CSVBOM:  v.GetBool("EXPORT_CSV_BOM"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sma_discipline")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("JWT_ISSUER", "sma-discipline-api")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DISCIPLINE_ATTENDANCE_THRESHOLD", 3)
	v.SetDefault("DISCIPLINE_DRESS_CODE_THRESHOLD", 4)
	v.SetDefault("DISCIPLINE_SEVERE_POINTS_MIN", 100)
	v.SetDefault("DISCIPLINE_SEVERE_POINTS_MAX", 249)
	v.SetDefault("DISCIPLINE_ACCUMULATION_POINTS_MIN", 200)
	v.SetDefault("DISCIPLINE_ACCUMULATION_POINTS_MAX", 499)
	v.SetDefault("DISCIPLINE_EDIT_WINDOW", "24h")
	v.SetDefault("DISCIPLINE_SUMMARY_CACHE_TTL", "5m")
	v.SetDefault("DISCIPLINE_CATALOG_WORKERS", 2)

	v.SetDefault("EXPORT_MAX_ROWS", 5000)
	v.SetDefault("EXPORT_CSV_BOM", true)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
