package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nimbusd/pkg/config"
)

func effWith(mutate func(*config.Config)) config.EffectiveConfigResult {
	cfg := &config.Config{}
	cfg.Server.DBPath = "/tmp/nimbus-test"
	if mutate != nil {
		mutate(cfg)
	}
	return config.EffectiveConfigResult{Config: cfg, Addr: ":8080", DBPath: cfg.Server.DBPath}
}

func TestValidateConfigRequiresDBPath(t *testing.T) {
	eff := effWith(nil)
	eff.DBPath = ""
	err := validateConfig(eff)
	require.Error(t, err)
	require.Contains(t, err.Error(), "database path")
}

func TestValidateConfigRejectsHalfTLS(t *testing.T) {
	eff := effWith(func(c *config.Config) {
		c.Server.TLS.CertFile = "/etc/ssl/server.crt"
	})
	err := validateConfig(eff)
	require.Error(t, err)
	require.Contains(t, err.Error(), "TLS")
}

func TestValidateConfigChecksDurationsAndURLs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad endpoint", func(c *config.Config) { c.Inference.Endpoint = "not a url" }},
		{"bad timeout", func(c *config.Config) { c.Inference.Timeout = "soonish" }},
		{"bad lookup url", func(c *config.Config) { c.Identity.LookupURL = "::" }},
		{"bad retention period", func(c *config.Config) { c.Retention.Enabled = true; c.Retention.Period = "a while" }},
	}
	for _, tc := range cases {
		require.Error(t, validateConfig(effWith(tc.mutate)), tc.name)
	}

	ok := effWith(func(c *config.Config) {
		c.Inference.Endpoint = "https://models.example.com/generate"
		c.Inference.Timeout = "30s"
		c.Identity.LookupURL = "https://echo.example.com/ip"
		c.Retention.Enabled = true
		c.Retention.Period = "720h"
	})
	require.NoError(t, validateConfig(ok))
}
