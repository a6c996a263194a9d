package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testFactory = "0x00000000000000000000000000000000000FAC01"

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loyaltyhub.toml")
	body := `
ListenAddress = ":9090"
LedgerEndpoint = "http://localhost:8545"
FactoryAddress = "` + testFactory + `"
JWTSecret = "file-secret"
ConfirmInterval = "500ms"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "http://localhost:8545", cfg.LedgerEndpoint)
	require.Equal(t, 500*time.Millisecond, cfg.ConfirmPollInterval())
	require.Equal(t, 24*time.Hour, cfg.SessionTTL())
	require.Equal(t, testFactory, cfg.Factory().Hex())
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loyaltyhub.toml")
	body := `
LedgerEndpoint = "http://localhost:8545"
FactoryAddress = "` + testFactory + `"
JWTSecret = "file-secret"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("LOYALTYHUB_JWT_SECRET", "env-secret")
	t.Setenv("LOYALTYHUB_LISTEN", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-secret", cfg.JWTSecret)
	require.Equal(t, ":7070", cfg.ListenAddress)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("LOYALTYHUB_LEDGER_URL", "http://localhost:8545")
	t.Setenv("LOYALTYHUB_FACTORY", testFactory)
	t.Setenv("LOYALTYHUB_JWT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*testing.T)
	}{
		{"missing endpoint", func(t *testing.T) {
			t.Setenv("LOYALTYHUB_FACTORY", testFactory)
			t.Setenv("LOYALTYHUB_JWT_SECRET", "s")
		}},
		{"bad factory", func(t *testing.T) {
			t.Setenv("LOYALTYHUB_LEDGER_URL", "http://localhost:8545")
			t.Setenv("LOYALTYHUB_FACTORY", "not-an-address")
			t.Setenv("LOYALTYHUB_JWT_SECRET", "s")
		}},
		{"missing secret", func(t *testing.T) {
			t.Setenv("LOYALTYHUB_LEDGER_URL", "http://localhost:8545")
			t.Setenv("LOYALTYHUB_FACTORY", testFactory)
		}},
		{"bad interval", func(t *testing.T) {
			t.Setenv("LOYALTYHUB_LEDGER_URL", "http://localhost:8545")
			t.Setenv("LOYALTYHUB_FACTORY", testFactory)
			t.Setenv("LOYALTYHUB_JWT_SECRET", "s")
			t.Setenv("LOYALTYHUB_CONFIRM_INTERVAL", "soon")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mut(t)
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestLoadSigningKeysGeneratesOnFirstStart(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOYALTYHUB_LEDGER_URL", "http://localhost:8545")
	t.Setenv("LOYALTYHUB_FACTORY", testFactory)
	t.Setenv("LOYALTYHUB_JWT_SECRET", "s")
	t.Setenv("LOYALTYHUB_DATA_DIR", dir)
	t.Setenv("LOYALTYHUB_ISSUER_PASSPHRASE", "pw")

	cfg, err := Load("")
	require.NoError(t, err)

	issuer, deployer, err := cfg.LoadSigningKeys()
	require.NoError(t, err)
	require.NotNil(t, issuer)
	// No separate deployer keystore: one platform identity signs everything.
	require.Equal(t, issuer.Address(), deployer.Address())

	// A second load returns the persisted key, not a fresh one.
	again, _, err := cfg.LoadSigningKeys()
	require.NoError(t, err)
	require.Equal(t, issuer.Address(), again.Address())
}
