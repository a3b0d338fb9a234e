package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "shvbroker", cfg.Name)
	assert.Equal(t, []string{"tcp://localhost:3755"}, cfg.Listen)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Contains(t, cfg.Roles, "admin")
}

func TestValidateRejectsUndefinedRole(t *testing.T) {
	cfg := &Config{
		Listen: []string{"tcp://localhost:3755"},
		Users: map[string]UserConfig{
			"alice": {Password: "secret", Role: "ghost"},
		},
		Roles: map[string]RoleConfig{},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateRejectsEmptyListen(t *testing.T) {
	cfg := &Config{Users: map[string]UserConfig{}, Roles: map[string]RoleConfig{}}
	err := Validate(cfg)
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "shvbroker", cfg.Name)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shvbroker.yaml")
	contents := `
name: test-broker
listen:
  - tcp://localhost:4242
  - unix:/run/test.sock
users:
  admin:
    password: secret
    role: admin
  device1:
    shapass: da39a3ee5e6b4b0d3255bfef95601890afd80709
    role: device
roles:
  admin:
    access:
      su: ["**"]
  device:
    access:
      wr: ["device/**"]
    mount_points: ["device/*"]
autosetups:
  - device_id: dev-123
    role: device
    mount_point: device/dev-123
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-broker", cfg.Name)
	assert.Equal(t, []string{"tcp://localhost:4242", "unix:/run/test.sock"}, cfg.Listen)
	require.Contains(t, cfg.Users, "admin")
	assert.Equal(t, "admin", cfg.Users["admin"].Role)
	require.Contains(t, cfg.Roles, "device")
	assert.Equal(t, []string{"device/**"}, cfg.Roles["device"].Access["wr"])
	require.Len(t, cfg.Autosetups, 1)
	assert.Equal(t, "dev-123", cfg.Autosetups[0].DeviceID)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := DefaultConfig()
	cfg.Name = "roundtrip"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Name)
	assert.Equal(t, cfg.Listen, loaded.Listen)
}

func TestDecodeCPON(t *testing.T) {
	doc := `{
		"name": "cpon-broker",
		"listen": ["tcp://localhost:3755"],
		"users": {"alice": {"password": "secret", "role": "admin"}},
		"roles": {"admin": {"access": {"su": ["**"]}}},
	}`
	cfg, err := DecodeCPON(bytes.NewBufferString(doc))
	require.NoError(t, err)
	assert.Equal(t, "cpon-broker", cfg.Name)
	require.Contains(t, cfg.Users, "alice")
	assert.Equal(t, "admin", cfg.Users["alice"].Role)
	assert.Equal(t, []string{"**"}, cfg.Roles["admin"].Access["su"])
}

func TestEncodeCPONThenDecodeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "cpon-roundtrip"

	var buf bytes.Buffer
	require.NoError(t, EncodeCPON(cfg, &buf))

	decoded, err := DecodeCPON(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, decoded.Name)
	assert.Equal(t, cfg.Listen, decoded.Listen)
	assert.Equal(t, cfg.Users["admin"].Role, decoded.Users["admin"].Role)
}
