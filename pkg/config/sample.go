package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# gridstore configuration
#
# Every key can be overridden from the environment with the GRIDSTORE_
# prefix, e.g. GRIDSTORE_SERVER_ZONE or GRIDSTORE_CATALOG_TYPE.
`

// Sample is a small working configuration: one replicating root over two
// local disks, plus an archive resource on a second server.
func Sample() *Config {
	cfg := Default()
	cfg.Server.Host = "localhost:1247"
	cfg.Server.Zone = "tempZone"
	cfg.Catalog = CatalogConfig{Type: "badger", Dir: "/var/lib/gridstore/catalog"}
	cfg.S3 = S3Config{Region: "us-east-1"}
	cfg.Resources = []ResourceConfig{
		{Name: "replResc", Type: "replication"},
		{Name: "disk1", Type: "unixfilesystem", Parent: "replResc", Host: "localhost:1247", Vault: "/var/lib/gridstore/disk1", MaxObjectSize: 40 * 1000 * 1000 * 1000},
		{Name: "disk2", Type: "unixfilesystem", Parent: "replResc", Host: "localhost:1247", Vault: "/var/lib/gridstore/disk2"},
		{Name: "archiveResc", Type: "s3", Host: "archive.example.org:1247", Vault: "/gridstore-archive"},
	}
	ApplyDefaults(cfg)
	return cfg
}

// Marshal renders cfg as commented YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(sampleHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteSample writes Sample() to path, refusing to replace an existing
// file unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	data, err := Marshal(Sample())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
