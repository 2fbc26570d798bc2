package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 6700, cfg.PortMin)
	require.Equal(t, 6900, cfg.PortMax)
	require.Equal(t, 30*time.Second, cfg.SocketTimeout)
	require.Equal(t, 2*time.Second, cfg.DNSTimeout)
	require.Equal(t, DefaultStateFileName, filepath.Base(cfg.StateFile))
	require.Equal(t, 45*time.Second, cfg.KeepAlive().Idle)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bindproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state_file: /tmp/state.json
port_min: 7000
port_max: 7010
dns_timeout: 500ms
insecure_upstream_tls: false
tcp_keepalive: "off"
`), 0o600))

	t.Setenv("BINDPROXY_PORT_MAX", "7020")
	t.Setenv("BINDPROXY_DNS_SERVER", "9.9.9.9:53")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/state.json", cfg.StateFile)
	require.Equal(t, 7000, cfg.PortMin)
	require.Equal(t, 7020, cfg.PortMax)
	require.Equal(t, 500*time.Millisecond, cfg.DNSTimeout)
	require.Equal(t, "9.9.9.9:53", cfg.DNSServer)
	require.False(t, cfg.InsecureUpstreamTLS)
	require.Equal(t, DefaultDoHURL, cfg.DoHURL)
	require.False(t, cfg.KeepAlive().Enable)
}

func TestLoadRejectsBadKeepAlive(t *testing.T) {
	t.Setenv("BINDPROXY_TCP_KEEPALIVE", "sometimes")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsBadRange(t *testing.T) {
	t.Setenv("BINDPROXY_PORT_MIN", "8000")
	t.Setenv("BINDPROXY_PORT_MAX", "7000")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BINDPROXY_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("BINDPROXY_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BINDPROXY_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "from-file", os.Getenv("BINDPROXY_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
