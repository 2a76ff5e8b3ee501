package taskstore

import (
	"context"

	"vidbatch/internal/domain"
	"vidbatch/internal/infra/docstore"
	"vidbatch/internal/ports"
)

var _ ports.SettingsStore = (*Settings)(nil)

type keysDoc struct {
	Keys []domain.KeyEntry `json:"keys"`
}

// Settings assembles AppData from the config and keys documents.
type Settings struct {
	docs *docstore.Store
}

func NewSettings(docs *docstore.Store) *Settings {
	return &Settings{docs: docs}
}

func (s *Settings) LoadAppData(ctx context.Context) (domain.AppData, error) {
	var cfg domain.Config
	if err := s.docs.Read(docstore.Config, &cfg); err != nil {
		return domain.AppData{}, err
	}
	var keys keysDoc
	if err := s.docs.Read(docstore.Keys, &keys); err != nil {
		return domain.AppData{}, err
	}
	return domain.AppData{
		ApiSettings:   cfg.ApiSettings,
		VideoSettings: cfg.VideoSettings,
		KeyLibrary:    keys.Keys,
	}, nil
}
