package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/internal/control"
	"github.com/nextlevelbuilder/firewatch/internal/recipients"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/internal/store/file"
	"github.com/nextlevelbuilder/firewatch/internal/store/sqlite"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

// mustLoadConfig loads the config or exits.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// openRecipientStore opens the registry backend selected by storage.backend.
func openRecipientStore(cfg *config.Config) (store.RecipientStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sc := store.StoreConfig{
		Backend:         cfg.Storage.Backend,
		RecipientsPath:  cfg.RecipientsPath(),
		CallTargetsPath: cfg.CallTargetsPath(),
		DBPath:          cfg.RegistryDBPath(),
	}
	switch sc.Backend {
	case "file":
		return file.NewFileStore(sc)
	case "sqlite":
		return sqlite.NewRecipientStore(sc.DBPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// mustOpenRegistry opens the registry or exits. Callers close the returned store.
func mustOpenRegistry(cfg *config.Config) (*recipients.Registry, store.RecipientStore) {
	s, err := openRecipientStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return recipients.New(s), s
}

// exitWithError prints err with its operator code and exits 1.
func exitWithError(err error, jsonOutput bool) {
	code := control.CodeOf(err)
	if jsonOutput {
		printJSON(protocol.NewErrorResult(code, err.Error()))
	} else {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", code, errorMessage(err))
	}
	os.Exit(1)
}

func errorMessage(err error) string {
	var ce *control.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
