package file

import (
	"fmt"

	"github.com/nextlevelbuilder/firewatch/internal/store"
)

// NewFileStore creates the JSON-file recipient store (standalone mode) and loads both lists.
func NewFileStore(cfg store.StoreConfig) (*RecipientStore, error) {
	if cfg.RecipientsPath == "" || cfg.CallTargetsPath == "" {
		return nil, fmt.Errorf("file store: recipients and call-target paths are required")
	}
	s := NewRecipientStore(cfg.RecipientsPath, cfg.CallTargetsPath)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}
