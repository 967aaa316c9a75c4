package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// LoadEmitterProfile reads and validates the emitter YAML profile.
// Certificate credentials may be supplied via SRI_CERT_PATH and
// SRI_CERT_PASSWORD instead of the file, so the password stays out of
// version-controlled profiles.
func LoadEmitterProfile(path string) (*comprobante.EmitterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load emitter profile %q: %w", path, err)
	}

	var cfg comprobante.EmitterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse emitter profile %q: %w", path, err)
	}

	if v := os.Getenv("SRI_CERT_PATH"); v != "" {
		cfg.CertificatePath = v
	}
	if v := os.Getenv("SRI_CERT_PASSWORD"); v != "" {
		cfg.CertificatePassword = v
	}
	if cfg.Environment == "" {
		cfg.Environment = comprobante.EnvTest
	}
	if cfg.EmissionMode == "" {
		cfg.EmissionMode = comprobante.EmissionNormal
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("emitter profile %q: %w", path, err)
	}
	return &cfg, nil
}
