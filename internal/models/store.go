package models

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// ArtifactStore persists encoded artifact sets by name.
type ArtifactStore interface {
	// Load returns ErrArtifactNotFound when nothing is stored under name.
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

// FileStore keeps artifacts as files in a directory.
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, name+".kmodel")
}

// Load implements ArtifactStore.
func (s *FileStore) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "models: read artifact %s", name)
	}
	return data, nil
}

// Save implements ArtifactStore. The file is written to a temporary name
// and renamed so readers never see a partial artifact.
func (s *FileStore) Save(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return eris.Wrap(err, "models: create artifact directory")
	}

	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "models: create temp artifact")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "models: write temp artifact")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "models: sync temp artifact")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "models: close temp artifact")
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return eris.Wrapf(err, "models: install artifact %s", name)
	}
	return nil
}

// ArtifactRepository is the part of the repository that stores artifacts.
type ArtifactRepository interface {
	SaveArtifact(ctx context.Context, name string, data []byte) error
	LoadArtifact(ctx context.Context, name string) ([]byte, error)
}

// RepositoryStore keeps artifacts in the model_artifacts table.
type RepositoryStore struct {
	repo ArtifactRepository
}

// NewRepositoryStore wraps repo as an ArtifactStore.
func NewRepositoryStore(repo ArtifactRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

// Load implements ArtifactStore.
func (s *RepositoryStore) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := s.repo.LoadArtifact(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrArtifactNotFound
	}
	return data, err
}

// Save implements ArtifactStore.
func (s *RepositoryStore) Save(ctx context.Context, name string, data []byte) error {
	return s.repo.SaveArtifact(ctx, name, data)
}

// NewStore picks the artifact store named by cfg.Store.
func NewStore(cfg domain.ModelsConfig, repo ArtifactRepository) (ArtifactStore, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileStore(cfg.Dir), nil
	case "database":
		if repo == nil {
			return nil, eris.New("models: database store requires a repository")
		}
		return NewRepositoryStore(repo), nil
	default:
		return nil, eris.Errorf("models: unsupported store %q", cfg.Store)
	}
}
