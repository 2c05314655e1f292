package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridstore/pkg/auth"
	"gridstore/pkg/physical"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"
	"gridstore/pkg/utils"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// GRIDSTORE_SERVER_ZONE=tempZone.
const EnvPrefix = "GRIDSTORE"

// Config is the complete server configuration.
//
// Sources in order of precedence: environment variables, the config file,
// then defaults.
type Config struct {
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Catalog   CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Transport TransportConfig  `mapstructure:"transport" yaml:"transport"`
	S3        S3Config         `mapstructure:"s3" yaml:"s3"`
	TLS       TLSConfig        `mapstructure:"tls" yaml:"tls"`
	Resources []ResourceConfig `mapstructure:"resources" yaml:"resources" validate:"required,min=1,dive"`
}

// ServerConfig places this process in the grid.
type ServerConfig struct {
	// Name identifies this server in logs.
	Name string `mapstructure:"name" yaml:"name"`

	// Address is the gRPC listen address.
	Address string `mapstructure:"address" yaml:"address" validate:"required"`

	// Host is how other servers and resource definitions refer to this
	// server. Leaves whose host equals it are local.
	Host string `mapstructure:"host" yaml:"host" validate:"required"`

	Zone string `mapstructure:"zone" yaml:"zone" validate:"required"`

	Role string `mapstructure:"role" yaml:"role" validate:"required,oneof=provider consumer"`

	// ProviderHost is where a consumer forwards catalog mutations.
	ProviderHost string `mapstructure:"provider_host" yaml:"provider_host,omitempty"`

	// FederatedZones lists remote zones and a server in each. A list keeps
	// zone names case intact where a viper map would fold them.
	FederatedZones []FederatedZone `mapstructure:"federated_zones" yaml:"federated_zones,omitempty" validate:"dive"`

	DefaultResource string        `mapstructure:"default_resource" yaml:"default_resource,omitempty"`
	MaxHops         int           `mapstructure:"max_hops" yaml:"max_hops" validate:"gte=1"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// FederatedZone names a server that answers for a remote zone.
type FederatedZone struct {
	Zone string `mapstructure:"zone" yaml:"zone" validate:"required"`
	Host string `mapstructure:"host" yaml:"host" validate:"required"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address" validate:"required_if=Enabled true"`
}

// CatalogConfig selects the catalog backend of a provider.
type CatalogConfig struct {
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Dir holds the badger database. Ignored by the memory catalog.
	Dir string `mapstructure:"dir" yaml:"dir,omitempty" validate:"required_if=Type badger"`
}

// TransportConfig tunes the connection pool used for forwarding.
type TransportConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`
}

// S3Config configures the client used to verify replicas on s3 resources.
// Empty credentials fall back to the default AWS credential chain.
type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries,omitempty" validate:"gte=0"`
}

// TLSConfig secures traffic between servers with certificates issued by
// one grid CA (see `gridstore certs`).
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file,omitempty" validate:"required_if=Enabled true"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty" validate:"required_if=Enabled true"`

	// AllowedHosts restricts which peer servers may connect. Empty accepts
	// every certificate the CA signed.
	AllowedHosts []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts,omitempty"`

	MinVersion string `mapstructure:"min_version" yaml:"min_version" validate:"oneof=1.2 1.3"`
}

// ResourceConfig is one node of the resource tree.
type ResourceConfig struct {
	Name    string `mapstructure:"name" yaml:"name" validate:"required,excludes=;"`
	Type    string `mapstructure:"type" yaml:"type" validate:"required,oneof=unixfilesystem s3 passthru replication"`
	Parent  string `mapstructure:"parent" yaml:"parent,omitempty"`
	Host    string `mapstructure:"host" yaml:"host,omitempty"`
	Vault   string `mapstructure:"vault" yaml:"vault,omitempty"`
	Context string `mapstructure:"context" yaml:"context,omitempty"`
	Status  string `mapstructure:"status" yaml:"status,omitempty" validate:"omitempty,oneof=up down"`

	// MaxObjectSize accepts plain bytes or sizes such as "40GB".
	MaxObjectSize int64 `mapstructure:"max_object_size" yaml:"max_object_size,omitempty" validate:"gte=0"`
}

// Load reads configuration from configPath (or the default location when
// empty), applies environment overrides and defaults, and validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		utils.DataSizeHook(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known to viper for AutomaticEnv to reach them during
	// Unmarshal, so every scalar gets a default here.
	d := Default()
	v.SetDefault("server.name", d.Server.Name)
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.host", "")
	v.SetDefault("server.zone", "")
	v.SetDefault("server.role", d.Server.Role)
	v.SetDefault("server.provider_host", "")
	v.SetDefault("server.default_resource", "")
	v.SetDefault("server.max_hops", d.Server.MaxHops)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("catalog.type", d.Catalog.Type)
	v.SetDefault("catalog.dir", "")
	v.SetDefault("transport.idle_timeout", d.Transport.IdleTimeout)
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.max_retries", 0)
	v.SetDefault("tls.enabled", d.TLS.Enabled)
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.min_version", d.TLS.MinVersion)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// ConfigDir is $XDG_CONFIG_HOME/gridstore, falling back to
// ~/.config/gridstore and finally the working directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gridstore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "gridstore")
}

// DefaultConfigPath returns config.yaml inside ConfigDir.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// CatalogRole returns the configured role. Validation has already
// restricted it to the known roles.
func (c *Config) CatalogRole() types.CatalogRole {
	return types.CatalogRole(c.Server.Role)
}

// FederatedZoneMap indexes the federated zones by name.
func (c *Config) FederatedZoneMap() map[string]string {
	m := make(map[string]string, len(c.Server.FederatedZones))
	for _, z := range c.Server.FederatedZones {
		m[z.Zone] = z.Host
	}
	return m
}

// ResourceDefinitions converts the configured tree for resource.NewTree.
// Order is preserved and becomes the creation order used for tie breaks.
func (c *Config) ResourceDefinitions() []resource.Definition {
	defs := make([]resource.Definition, 0, len(c.Resources))
	for _, r := range c.Resources {
		defs = append(defs, resource.Definition{
			Name:          r.Name,
			Type:          r.Type,
			Parent:        r.Parent,
			Host:          r.Host,
			Vault:         r.Vault,
			Context:       r.Context,
			Status:        resource.Status(r.Status),
			MaxObjectSize: r.MaxObjectSize,
		})
	}
	return defs
}

// S3ClientConfig returns the settings for the S3 verification client.
func (c *Config) S3ClientConfig() physical.S3Config {
	return physical.S3Config{
		Region:          c.S3.Region,
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		MaxRetries:      c.S3.MaxRetries,
	}
}

// UsesS3 reports whether any resource needs the S3 client.
func (c *Config) UsesS3() bool {
	for _, r := range c.Resources {
		if r.Type == resource.TypeS3 {
			return true
		}
	}
	return false
}

// AuthConfig returns the TLS section in the form pkg/auth expects.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Enabled:      c.TLS.Enabled,
		CAFile:       c.TLS.CAFile,
		CertFile:     c.TLS.CertFile,
		KeyFile:      c.TLS.KeyFile,
		AllowedHosts: c.TLS.AllowedHosts,
		MinVersion:   c.TLS.MinVersion,
	}
}
