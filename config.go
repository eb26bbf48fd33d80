package tablease

import (
	"fmt"
	"strings"
	"time"
)

// Coordination constants shared by every client of a database. These
// are part of the on-disk protocol; changing them breaks mixed-version
// fleets.
const (
	// ClientMetadataMaxAge bounds how stale a heartbeat may be before
	// the client is considered inactive for lease decisions.
	ClientMetadataMaxAge = 5000 * time.Millisecond
	// ClientMetadataRefreshInterval is the heartbeat period.
	ClientMetadataRefreshInterval = 4000 * time.Millisecond
	// ClientStateGarbageCollectionThreshold bounds both how often the
	// primary garbage-collects peer state and how old metadata must be
	// before it is reclaimed.
	ClientStateGarbageCollectionThreshold = 1_800_000 * time.Millisecond
)

// DefaultSchemaVersion is the object-store schema this package writes.
const DefaultSchemaVersion = 1

const (
	storagePrefixRoot = "firestore"
	zombieKeyPrefix   = "firestore_zombie"
)

// Config identifies one client of a shared database.
type Config struct {
	// PersistenceKey distinguishes independent applications sharing a
	// host environment. Required.
	PersistenceKey string
	// ProjectID is the backing project. Required; must be a DNS label
	// (no dots), which keeps the storage prefix unambiguous.
	ProjectID string
	// DatabaseID selects a named database within the project. Optional.
	DatabaseID string
	// ClientID is the stable-for-process-lifetime client identifier.
	// Generated when empty.
	ClientID string
	// AllowTabSynchronization opts this client into shared access.
	// When false and this client holds the lease, sibling clients are
	// rejected with ErrorCodePrimaryLeaseExclusive.
	AllowTabSynchronization bool
	// NetworkEnabled is the initial network state; most callers want
	// true. Toggle later with SetNetworkEnabled.
	NetworkEnabled bool
	// DataDir roots the pebble store and the side-channel directory.
	// Empty selects the shared in-memory backend and side channel.
	DataDir string
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.PersistenceKey) == "" {
		return fmt.Errorf("tablease: config: persistence key required")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return fmt.Errorf("tablease: config: project id required")
	}
	if strings.ContainsAny(cfg.ProjectID, "./") {
		return fmt.Errorf("tablease: config: project id %q must be a DNS label", cfg.ProjectID)
	}
	if strings.ContainsAny(cfg.DatabaseID, "./") {
		return fmt.Errorf("tablease: config: database id %q must be a DNS label", cfg.DatabaseID)
	}
	return nil
}

// storagePrefix derives the shared database identity:
// firestore/<persistenceKey>/<projectId[.databaseId]>/.
func (cfg *Config) storagePrefix() string {
	database := cfg.ProjectID
	if cfg.DatabaseID != "" {
		database += "." + cfg.DatabaseID
	}
	return storagePrefixRoot + "/" + cfg.PersistenceKey + "/" + database + "/"
}

// zombieKey derives the side-channel marker key for clientID.
func (cfg *Config) zombieKey(clientID string) string {
	return zombieKeyPrefix + "_" + cfg.storagePrefix() + "_" + clientID
}
