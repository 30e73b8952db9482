package main

import (
	"context"
	"log"

	"github.com/limbo/moodlog/internal/api"
	"github.com/limbo/moodlog/internal/chaos"
	"github.com/limbo/moodlog/internal/kv"
	"github.com/limbo/moodlog/internal/store"
	"github.com/limbo/moodlog/internal/validate"
	"github.com/limbo/moodlog/pkg/cleanup"
	"github.com/limbo/moodlog/pkg/config"
)

func init() {
	validate.Init()
}

func main() {
	defer cleanup.CleanUp()
	cfg := config.New()

	var backend kv.Store
	switch cfg.GetStringOr("STORAGE_DRIVER", "sqlite") {
	case "postgres":
		backend = kv.NewPostgresStore(&kv.PGCfg{
			Address:  cfg.GetString("POSTGRES_DB_ADDRESS"),
			Username: cfg.GetString("POSTGRES_USER"),
			Password: cfg.GetString("POSTGRES_PASSWORD"),
			DB:       cfg.GetString("POSTGRES_DB"),
		})
	default:
		sqlite, err := kv.NewSQLiteStore(cfg.GetStringOr("STORAGE_PATH", "moodlog.db"))
		if err != nil {
			log.Fatal("opening sqlite backend error: " + err.Error())
		}
		backend = sqlite
	}
	cleanup.Register(&cleanup.Job{
		Name: "closing kv backend",
		F:    backend.Close,
	})

	// The shim stays in the path in production with a pass-through
	// strategy, so chaos tests and real runs share one code path.
	shimmed := chaos.NewShim(backend, chaos.Passthrough{}, nil)

	strictness := store.Lenient
	if cfg.GetString("STRICT_MODE") == "1" {
		strictness = store.Strict
	}
	entries := store.NewEntryStore(shimmed, store.EntryStoreConfig{Strict: strictness})
	settings := store.NewSettingsStore(shimmed, store.SettingsStoreConfig{Strict: strictness})

	if err := store.Warm(context.Background(), entries, settings); err != nil {
		log.Println("warming stores error: " + err.Error())
	}

	serv := api.New(&api.StoresList{
		Entries:  entries,
		Settings: settings,
	})
	if err := serv.Run(cfg.GetStringOr("API_ADDRESS", "127.0.0.1:8137")); err != nil {
		log.Println("Server error: " + err.Error())
	}
}
