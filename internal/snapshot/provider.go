package snapshot

import (
	"fmt"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/runtime"
	"github.com/tandemhq/tandem/internal/storage"
)

// Provide builds the snapshot store with the configured backend.
func Provide(cfg *config.Config, store storage.Store, state *runtime.State, log *logger.Logger) (*Store, error) {
	var backend Backend
	switch cfg.Snapshot.Backend {
	case "git":
		backend = NewGitBackend(config.ExpandPath(cfg.Snapshot.DataDir), log)
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", cfg.Snapshot.Backend)
	}
	return NewStore(backend, store, state, log), nil
}
