package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshstore/meshstore/internal/backend/memory"
	"github.com/meshstore/meshstore/internal/config"
	"github.com/meshstore/meshstore/internal/dynval"
	"github.com/meshstore/meshstore/internal/migrate"
	"github.com/meshstore/meshstore/internal/store"
)

// newDemoCmd runs a scripted tour of the engine against the in-memory
// backend: load, single-key updates, a sharded payload, a multi-key
// transaction, and a clean shutdown.
func newDemoCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted session against the in-memory backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg)
		},
	}
}

func runDemo(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	be := memory.New(memory.Config{
		MaxValueSize:  cfg.Backend.MaxValueSize.Bytes(),
		RequestBudget: cfg.Backend.RequestBudget,
	})
	locks := memory.NewLockService(nil)

	// Small threshold so the scripted journal below actually shards.
	shardSize := cfg.Store.MaxShardSize.Bytes()
	if shardSize == 0 {
		shardSize = 64 * 1024
	}

	s, err := store.New(store.Config{
		Name:    cfg.Store.Name,
		Backend: be,
		Locks:   locks,
		Template: map[string]any{
			"coins": 0.0,
			"inventory": map[string]any{
				"items": []any{},
			},
		},
		Schema: func(v dynval.Value) (bool, string) {
			m, ok := v.(map[string]any)
			if !ok {
				return false, "data must be a map"
			}
			if coins, ok := m["coins"].(float64); ok && coins < 0 {
				return false, "coins must be non-negative"
			}
			return true, ""
		},
		MigrationSteps: []migrate.Step{
			{Name: "add-gems", AddFields: map[string]any{"gems": 0.0}},
		},
		MaxShardSize:     shardSize,
		LockTTL:          cfg.LockTTL(),
		AutoSaveInterval: cfg.AutoSaveInterval(),
		Logger:           log.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("close reported an error")
		}
	}()

	for _, key := range []string{"player:alice", "player:bob"} {
		if err := s.Load(ctx, key, nil); err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		log.Info().Str("key", key).Msg("session loaded")
	}

	if _, err := s.Update("player:alice", func(data dynval.Value) bool {
		data.(map[string]any)["coins"] = 100.0
		return true
	}); err != nil {
		return err
	}
	log.Info().Msg("alice granted 100 coins")

	// Force a sharded payload.
	if _, err := s.Update("player:bob", func(data dynval.Value) bool {
		data.(map[string]any)["journal"] = strings.Repeat("a long day of adventuring; ", 5000)
		return true
	}); err != nil {
		return err
	}
	if err := s.Save(ctx, "player:bob"); err != nil {
		return err
	}
	log.Info().Msg("bob's oversized journal saved")

	committed, err := s.Tx(ctx, []string{"player:alice", "player:bob"}, func(state map[string]dynval.Value) bool {
		alice := state["player:alice"].(map[string]any)
		bob := state["player:bob"].(map[string]any)
		if alice["coins"].(float64) < 50 {
			return false
		}
		alice["coins"] = alice["coins"].(float64) - 50
		bob["coins"] = bob["coins"].(float64) + 50
		return true
	})
	if err != nil {
		return err
	}
	log.Info().Bool("committed", committed).Msg("transfer transaction finished")

	for _, key := range []string{"player:alice", "player:bob"} {
		v, err := s.Get(key)
		if err != nil {
			return err
		}
		log.Info().Str("key", key).Float64("coins", v.(map[string]any)["coins"].(float64)).Msg("final state")
	}
	return nil
}
