package store

import (
	"fmt"

	"github.com/magiconair/properties"
	"go.uber.org/zap"
)

// Default watermarks of the eviction index.
const (
	DefaultMaxLRUSize = 1024
	DefaultMinLRUSize = 512
)

/*
Config carries the tunables of a store.

MaxLRUSize is the high watermark of the eviction index: reaching it
triggers an eviction round. MinLRUSize is the low watermark the round
shrinks to. ChecksumAlgorithm names the page digest ("none", "crc32" or
"xxhash64") and is fixed at format time.
*/
type Config struct {
	MaxLRUSize        uint
	MinLRUSize        uint
	ChecksumAlgorithm string
	Logger            *zap.Logger
}

// DefaultConfig returns the configuration a store runs with when given
// nothing else.
func DefaultConfig() Config {
	return Config{
		MaxLRUSize:        DefaultMaxLRUSize,
		MinLRUSize:        DefaultMinLRUSize,
		ChecksumAlgorithm: "none",
		Logger:            zap.NewNop(),
	}
}

/*
LoadConfig reads a .properties file and overlays it onto the defaults.

Recognized keys:

	cache.max_lru_size
	cache.min_lru_size
	checksum.algorithm
*/
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return cfg, err
	}

	cfg.MaxLRUSize = p.GetUint("cache.max_lru_size", cfg.MaxLRUSize)
	cfg.MinLRUSize = p.GetUint("cache.min_lru_size", cfg.MinLRUSize)
	cfg.ChecksumAlgorithm = p.GetString("checksum.algorithm", cfg.ChecksumAlgorithm)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MinLRUSize == 0 || c.MaxLRUSize < c.MinLRUSize {
		return fmt.Errorf(
			"invalid eviction watermarks: min %d, max %d",
			c.MinLRUSize, c.MaxLRUSize,
		)
	}
	if _, err := ChecksumByName(c.ChecksumAlgorithm); err != nil {
		return err
	}
	return nil
}
