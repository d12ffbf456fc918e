package config

import (
	"encoding/json"

	"github.com/zeebo/xxh3"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return xxh3.Hash(b)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
