package tablease

import (
	"pkt.systems/tablease/internal/storage"
	"pkt.systems/tablease/internal/storage/memory"
	"pkt.systems/tablease/internal/storage/pebbledb"
)

// memoryBackend resolves the shared in-memory database for prefix.
func memoryBackend(name string) storage.Backend {
	return memory.Open(name)
}

// pebbleBackend opens (or reuses) the pebble database at path.
func pebbleBackend(path string) (storage.Backend, error) {
	return pebbledb.Open(path)
}
