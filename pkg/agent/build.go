package agent

import (
	"context"
	"fmt"

	"gridstore/pkg/auth"
	"gridstore/pkg/catalog"
	badgercat "gridstore/pkg/catalog/badger"
	"gridstore/pkg/catalog/memory"
	"gridstore/pkg/config"
	"gridstore/pkg/metrics"
	"gridstore/pkg/physical"
	"gridstore/pkg/resource"
	"gridstore/pkg/transport"
	"gridstore/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// FromConfig builds an Agent and everything it owns from cfg. Stop
// releases the catalog and the connection pool.
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tree, err := resource.NewTree(cfg.ResourceDefinitions())
	if err != nil {
		return nil, fmt.Errorf("failed to build resource tree: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var cat catalog.Client
	if cfg.CatalogRole() == types.RoleProvider {
		cat, err = openCatalog(ctx, cfg.Catalog)
		if err != nil {
			return nil, err
		}
		logger.Info("Catalog opened",
			zap.String("type", cfg.Catalog.Type),
			zap.String("dir", cfg.Catalog.Dir))
	}

	tlsBuilder, err := auth.NewBuilder(cfg.AuthConfig())
	if err != nil {
		if cat != nil {
			_ = cat.Close()
		}
		return nil, fmt.Errorf("failed to load TLS material: %w", err)
	}
	if tlsBuilder.Enabled() {
		logger.Info("Mutual TLS enabled for server traffic",
			zap.Strings("allowed_hosts", cfg.TLS.AllowedHosts))
	}

	pool := transport.NewPool(transport.PoolConfig{
		IdleTimeout: cfg.Transport.IdleTimeout,
		DialOptions: tlsBuilder.DialOptions(),
	}, m, logger.Named("pool"))

	a, err := New(Options{
		Zone:            cfg.Server.Zone,
		LocalHost:       cfg.Server.Host,
		Role:            cfg.CatalogRole(),
		ProviderHost:    cfg.Server.ProviderHost,
		FederatedZones:  cfg.FederatedZoneMap(),
		DefaultResource: cfg.Server.DefaultResource,
		MaxHops:         cfg.Server.MaxHops,
		Tree:            tree,
		Catalog:         cat,
		Stores:          stores,
		Forwarder:       pool,
		ServerOptions:   tlsBuilder.ServerOptions(),
		Metrics:         m,
		Gatherer:        registry,
		Logger:          logger.With(zap.String("server", cfg.Server.Name)),
	})
	if err != nil {
		_ = pool.Close()
		if cat != nil {
			_ = cat.Close()
		}
		return nil, err
	}

	if cat != nil {
		a.closers = append(a.closers, cat.Close)
	}
	a.closers = append(a.closers, pool.Close)
	return a, nil
}

func openCatalog(ctx context.Context, cfg config.CatalogConfig) (catalog.Client, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		s, err := badgercat.Open(ctx, badgercat.Config{Dir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown catalog type %q", cfg.Type)
}

func openStores(ctx context.Context, cfg *config.Config) (*physical.Registry, error) {
	stores := physical.NewRegistry()
	stores.Register(resource.TypeUnixFilesystem, physical.NewLocalStore())
	if cfg.UsesS3() {
		client, err := physical.NewS3Client(ctx, cfg.S3ClientConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		stores.Register(resource.TypeS3, physical.NewS3Store(client))
	}
	return stores, nil
}
