package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyaukin/sadist-proxy/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, 8990, cfg.Server.Port)
	assert.Equal(t, "localhost:8990", cfg.Server.Endpoint)
	assert.Equal(t, 10, cfg.Pool.Capacity)
	assert.Equal(t, time.Minute, cfg.Pool.InactivityTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Pool.LiveTimeout)
	assert.Equal(t, "localhost:9222", cfg.Browser.BackendAddr)
	assert.Equal(t, 30*time.Second, cfg.Intercept.WaitTimeout)
	assert.True(t, cfg.Relay.AllowScripts)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		mutate func(v *viper.Viper)
	}{
		{"zero capacity", func(v *viper.Viper) { v.Set("pool.capacity", 0) }},
		{"negative inactivity", func(v *viper.Viper) { v.Set("pool.inactivity_timeout", "-1s") }},
		{"zero reap interval", func(v *viper.Viper) { v.Set("pool.reap_interval", "0s") }},
		{"port out of range", func(v *viper.Viper) { v.Set("server.port", 70000) }},
		{"missing backend", func(v *viper.Viper) { v.Set("browser.backend_addr", "") }},
		{"negative wait timeout", func(v *viper.Viper) { v.Set("intercept.wait_timeout", "-5s") }},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			config.SetDefaults(v)
			tt.mutate(v)
			_, err := config.Load(v)
			assert.Error(t, err)
		})
	}
}

func TestOverridesApply(t *testing.T) {
	t.Parallel()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("pool.capacity", 3)
	v.Set("server.path_prefix", "/proxy")
	v.Set("pool.script_grace", "2m")

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.Capacity)
	assert.Equal(t, "/proxy", cfg.Server.PathPrefix)
	assert.Equal(t, 2*time.Minute, cfg.Pool.ScriptGrace)
}
