package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"mpcrelay/internal/compute"
	"mpcrelay/internal/fault"
	"mpcrelay/internal/storage"
)

// S3Config holds S3 storage configuration
type S3Config struct {
	Region   string `env:"S3_REGION" envDefault:"us-east-1"`
	RoleARN  string `env:"S3_ROLE_ARN"`
	Endpoint string `env:"S3_ENDPOINT"`
}

// Validate checks if the S3 configuration is valid
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("S3_REGION is required when using aws storage")
	}
	return nil
}

// GCSConfig holds Google Cloud Storage configuration
type GCSConfig struct {
	ProjectID       string `env:"GCS_PROJECT_ID"`
	CredentialsFile string `env:"GCS_CREDENTIALS_FILE"`
	Endpoint        string `env:"GCS_ENDPOINT"`
}

// AzureConfig holds Azure Blob Storage configuration
type AzureConfig struct {
	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
}

// Validate checks if the Azure configuration is valid
func (c *AzureConfig) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING is required when using azure storage")
	}
	return nil
}

// StorageConfig selects and configures the storage provider
type StorageConfig struct {
	Type         string `env:"STORAGE" envDefault:"local"`
	Target       string `env:"STORAGE_TARGET" envDefault:"flock-storage"`
	CreateTarget bool   `env:"STORAGE_CREATE_TARGET" envDefault:"false"`
	LocalDir     string `env:"LOCAL_STORAGE_DIR" envDefault:"."`
	S3           S3Config
	GCS          GCSConfig
	Azure        AzureConfig
}

// ComputeConfig configures the engine invoker
type ComputeConfig struct {
	Timeout     time.Duration `env:"COMPUTE_TIMEOUT" envDefault:"5m"`
	WorkDir     string        `env:"COMPUTE_WORK_DIR"`
	Executables map[compute.Operation]string
}

// TLSConfig enables a TLS listener when both files are set
type TLSConfig struct {
	CertFile string `env:"TLS_CERT_FILE"`
	KeyFile  string `env:"TLS_KEY_FILE"`
}

// Enabled reports whether the server should listen with TLS
func (c *TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Config holds the application configuration
type Config struct {
	ServerPort  int    `env:"PORT" envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9100"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Storage     StorageConfig
	Compute     ComputeConfig
	TLS         TLSConfig
}

// Validate checks if the configuration is valid. Every failure wraps
// fault.ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid PORT: must be between 1 and 65535")
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid METRICS_PORT: must be between 1 and 65535")
	}
	if c.MetricsPort == c.ServerPort {
		return fmt.Errorf("invalid METRICS_PORT: must differ from PORT")
	}

	provider, err := storage.ParseProvider(c.Storage.Type)
	if err != nil {
		return fmt.Errorf("invalid STORAGE: must be one of local, aws, gcp, azure")
	}
	if c.Storage.Target == "" {
		return fmt.Errorf("STORAGE_TARGET is required")
	}

	switch provider {
	case storage.ProviderAWS:
		if err := c.Storage.S3.Validate(); err != nil {
			return fmt.Errorf("invalid S3 configuration: %w", err)
		}
	case storage.ProviderAzure:
		if err := c.Storage.Azure.Validate(); err != nil {
			return fmt.Errorf("invalid Azure configuration: %w", err)
		}
	case storage.ProviderGCP:
		if c.Storage.CreateTarget && c.Storage.GCS.ProjectID == "" {
			return fmt.Errorf("GCS_PROJECT_ID is required to create the storage target")
		}
	}

	if c.Compute.Timeout <= 0 {
		return fmt.Errorf("invalid COMPUTE_TIMEOUT: must be positive")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	return nil
}

// StorageBackend returns the storage factory configuration
func (c *Config) StorageBackend() storage.Config {
	return storage.Config{
		Provider:     storage.Provider(c.Storage.Type),
		Target:       c.Storage.Target,
		CreateTarget: c.Storage.CreateTarget,
		Local:        storage.LocalConfig{BaseDir: c.Storage.LocalDir},
		S3: storage.S3Config{
			Region:   c.Storage.S3.Region,
			RoleARN:  c.Storage.S3.RoleARN,
			Endpoint: c.Storage.S3.Endpoint,
		},
		GCS: storage.GCSConfig{
			ProjectID:       c.Storage.GCS.ProjectID,
			CredentialsFile: c.Storage.GCS.CredentialsFile,
			Endpoint:        c.Storage.GCS.Endpoint,
		},
		Azure: storage.AzureConfig{
			ConnectionString: c.Storage.Azure.ConnectionString,
		},
	}
}

// Invoker returns the compute invoker configuration
func (c *Config) Invoker() compute.Config {
	executables := make(map[compute.Operation]string, len(c.Compute.Executables))
	for op, path := range c.Compute.Executables {
		executables[op] = path
	}
	return compute.Config{
		Executables: executables,
		Timeout:     c.Compute.Timeout,
		WorkDir:     c.Compute.WorkDir,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (ignoring errors as .env is optional)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: error loading .env file: %v", fault.ErrConfiguration, err)
	}

	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid PORT value: %v", fault.ErrConfiguration, err)
	}

	metricsPort, err := strconv.Atoi(getEnv("METRICS_PORT", "9100"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid METRICS_PORT value: %v", fault.ErrConfiguration, err)
	}

	createTarget, err := strconv.ParseBool(getEnv("STORAGE_CREATE_TARGET", "false"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid STORAGE_CREATE_TARGET value: %v", fault.ErrConfiguration, err)
	}

	timeout, err := time.ParseDuration(getEnv("COMPUTE_TIMEOUT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid COMPUTE_TIMEOUT value: %v", fault.ErrConfiguration, err)
	}

	// The executable table is deployment configuration only
	executables := make(map[compute.Operation]string)
	for _, op := range compute.Operations() {
		spec, _ := compute.Spec(op)
		executables[op] = getEnv(spec.EnvKey, spec.DefaultPath)
	}

	cfg := &Config{
		ServerPort:  port,
		MetricsPort: metricsPort,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Storage: StorageConfig{
			Type:         getEnv("STORAGE", "local"),
			Target:       getEnv("STORAGE_TARGET", "flock-storage"),
			CreateTarget: createTarget,
			LocalDir:     getEnv("LOCAL_STORAGE_DIR", "."),
			S3: S3Config{
				Region:   getEnv("S3_REGION", "us-east-1"),
				RoleARN:  getEnv("S3_ROLE_ARN", ""),
				Endpoint: getEnv("S3_ENDPOINT", ""),
			},
			GCS: GCSConfig{
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
				Endpoint:        getEnv("GCS_ENDPOINT", ""),
			},
			Azure: AzureConfig{
				ConnectionString: getEnv("AZURE_STORAGE_CONNECTION_STRING", ""),
			},
		},
		Compute: ComputeConfig{
			Timeout:     timeout,
			WorkDir:     getEnv("COMPUTE_WORK_DIR", os.TempDir()),
			Executables: executables,
		},
		TLS: TLSConfig{
			CertFile: getEnv("TLS_CERT_FILE", ""),
			KeyFile:  getEnv("TLS_KEY_FILE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
