package app

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"nimbusd/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running services. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	// DB path must be present
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, NIMBUS_DB_PATH env, or server.db_path in config")
	}

	// TLS cert/key presence check if one is set
	cert := eff.Config.Server.TLS.CertFile
	key := eff.Config.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	// inference endpoint must parse when set; a missing endpoint is
	// allowed so storage-only deployments still start
	if ep := eff.Config.Inference.Endpoint; ep != "" {
		if _, err := url.ParseRequestURI(ep); err != nil {
			return fmt.Errorf("invalid inference.endpoint: %w", err)
		}
	}
	if to := eff.Config.Inference.Timeout; to != "" {
		if _, err := time.ParseDuration(to); err != nil {
			return fmt.Errorf("invalid inference.timeout: %w", err)
		}
	}

	if lu := eff.Config.Identity.LookupURL; lu != "" {
		if _, err := url.ParseRequestURI(lu); err != nil {
			return fmt.Errorf("invalid identity.lookup_url: %w", err)
		}
	}

	if ret := eff.Config.Retention; ret.Enabled && ret.Period != "" {
		if _, err := time.ParseDuration(ret.Period); err != nil {
			return fmt.Errorf("invalid retention.period: %w", err)
		}
	}

	return nil
}
