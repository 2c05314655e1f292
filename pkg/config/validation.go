package config

import (
	"errors"
	"fmt"

	"gridstore/pkg/resource"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags first, then the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Server.Role == "consumer" && cfg.Server.ProviderHost == "" {
		return fmt.Errorf("server.provider_host: required when role is consumer")
	}
	seen := make(map[string]bool, len(cfg.Server.FederatedZones))
	for i, z := range cfg.Server.FederatedZones {
		if z.Zone == cfg.Server.Zone {
			return fmt.Errorf("server.federated_zones[%d]: must not list the local zone %q", i, z.Zone)
		}
		if seen[z.Zone] {
			return fmt.Errorf("server.federated_zones[%d]: duplicate zone %q", i, z.Zone)
		}
		seen[z.Zone] = true
	}
	if cfg.UsesS3() && cfg.S3.Region == "" {
		return fmt.Errorf("s3.region: required when an s3 resource is configured")
	}

	// The tree checks names, parents, cycles and leaf hosts.
	tree, err := resource.NewTree(cfg.ResourceDefinitions())
	if err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	if name := cfg.Server.DefaultResource; name != "" {
		if _, ok := tree.Node(name); !ok {
			return fmt.Errorf("server.default_resource: unknown resource %q", name)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
