package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store.properties")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.validate())
	require.Equal(t, uint(DefaultMaxLRUSize), cfg.MaxLRUSize)
	require.Equal(t, uint(DefaultMinLRUSize), cfg.MinLRUSize)
	require.Equal(t, "none", cfg.ChecksumAlgorithm)
	require.NotNil(t, cfg.Logger)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
cache.max_lru_size = 64
checksum.algorithm = crc32
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint(64), cfg.MaxLRUSize)
	require.Equal(t, uint(DefaultMinLRUSize), cfg.MinLRUSize)
	require.Equal(t, "crc32", cfg.ChecksumAlgorithm)
}

func TestLoadConfig_AllKeys(t *testing.T) {
	path := writeConfigFile(t, `
cache.max_lru_size = 16
cache.min_lru_size = 8
checksum.algorithm = xxhash64
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint(16), cfg.MaxLRUSize)
	require.Equal(t, uint(8), cfg.MinLRUSize)
	require.Equal(t, "xxhash64", cfg.ChecksumAlgorithm)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.properties"))
	require.Error(t, err)
}

func TestLoadConfig_RejectsInvertedWatermarks(t *testing.T) {
	path := writeConfigFile(t, `
cache.max_lru_size = 4
cache.min_lru_size = 8
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_RejectsZeroMinimum(t *testing.T) {
	path := writeConfigFile(t, "cache.min_lru_size = 0\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_RejectsUnknownAlgorithm(t *testing.T) {
	path := writeConfigFile(t, "checksum.algorithm = md5\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
}
