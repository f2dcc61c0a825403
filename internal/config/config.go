package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// warehouse settings
	Dataset   string // schema that destination tables live in
	ProjectID string // cloud project label, attached to load logs only

	// dexcom vendor api
	APIBase string

	// oauth client secrets kept in-memory only; never log these
	OAuthClientID     string
	OAuthClientSecret string

	// optional raw payload archive (s3-compatible)
	ArchiveBucket   string
	ArchiveEndpoint string
	ArchiveRegion   string

	// ingestion tuning
	Workers    int
	RatePerSec int
	Dedupe     bool
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:             os.Getenv("DB_DSN"),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:          getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		Dataset:           getenvDefault("WAREHOUSE_DATASET", "dexcom"),
		ProjectID:         os.Getenv("GOOGLE_CLOUD_PROJECT"),
		APIBase:           getenvDefault("DEXCOM_API_BASE", "https://api.dexcom.com"),
		OAuthClientID:     os.Getenv("DEXCOM_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("DEXCOM_OAUTH_CLIENT_SECRET"),
		ArchiveBucket:     os.Getenv("ARCHIVE_BUCKET"),
		ArchiveEndpoint:   os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveRegion:     getenvDefault("ARCHIVE_REGION", "auto"),
	}

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}
	if cfg.OAuthClientID == "" || cfg.OAuthClientSecret == "" {
		return Config{}, errors.New("missing DEXCOM_OAUTH_CLIENT_ID / DEXCOM_OAUTH_CLIENT_SECRET")
	}

	var err error
	if cfg.Workers, err = getenvInt("INGEST_WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.Workers < 1 {
		return Config{}, errors.New("INGEST_WORKERS must be >= 1")
	}
	if cfg.RatePerSec, err = getenvInt("INGEST_RATE_PER_SEC", 5); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSec < 1 {
		return Config{}, errors.New("INGEST_RATE_PER_SEC must be >= 1")
	}
	cfg.Dedupe = getenvDefault("INGEST_DEDUPE", "false") == "true"

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(k + " must be an integer")
	}
	return n, nil
}
