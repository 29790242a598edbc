package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, sampleYAML)

	reloaded := make(chan *Config, 1)
	stop := make(chan struct{})
	defer close(stop)

	err := Watch(path, func(cfg *Config) {
		reloaded <- cfg
	}, func(err error) {
		t.Logf("watch error: %v", err)
	}, stop)
	require.NoError(t, err)

	updated := sampleYAML + "\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "0.0.0.0", cfg.Src.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatchMissingPathErrors(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	err := Watch("/nonexistent/path/proxy.yaml", func(*Config) {}, nil, stop)
	require.Error(t, err)
}
