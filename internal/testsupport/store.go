package testsupport

import (
	"testing"

	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/state"
)

// MustOpenStore opens a state.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *state.Store {
	t.Helper()

	store, err := state.Open(cfg.StatePath(), logging.NewNop(),
		state.WithMaxRetries(cfg.State.MaxRetries))
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close state store: %v", err)
		}
	})
	return store
}
