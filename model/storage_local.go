package model

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/logger"
)

const localLockTimeout = 10 * time.Second

// localTokenFile is the on-disk layout of token.json.
type localTokenFile struct {
	Generation int64                  `json:"generation"`
	Pools      map[TokenKind][]*Token `json:"pools"`
}

// LocalStorage keeps tokens in DATA_DIR/token.json and the config in
// DATA_DIR/config.toml. Writes go through a temp file and rename while
// holding an flock so several processes can share one data dir.
type LocalStorage struct {
	dir        string
	tokenPath  string
	configPath string
	lockPath   string

	mu sync.Mutex
}

func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	return &LocalStorage{
		dir:        dir,
		tokenPath:  filepath.Join(dir, "token.json"),
		configPath: filepath.Join(dir, "config.toml"),
		lockPath:   filepath.Join(dir, ".storage.lock"),
	}, nil
}

func (s *LocalStorage) Type() string {
	return StorageTypeLocal
}

// withLock runs op under both the process mutex and the cross-process file lock.
func (s *LocalStorage) withLock(ctx context.Context, op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, localLockTimeout)
	defer cancel()
	unlock, err := lockFile(lockCtx, s.lockPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer unlock()

	return op()
}

func (s *LocalStorage) readTokens() (*localTokenFile, error) {
	doc := &localTokenFile{}
	data, err := os.ReadFile(s.tokenPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read token file")
	}
	if len(data) == 0 {
		doc.Pools = map[TokenKind][]*Token{}
		return doc, nil
	}

	if err = json.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "decode token file")
	}
	if doc.Pools == nil {
		// older files are a bare {pool: [tokens]} object
		legacy := map[string][]*Token{}
		if err = json.Unmarshal(data, &legacy); err != nil {
			return nil, errors.Wrap(err, "decode legacy token file")
		}
		doc.Pools = map[TokenKind][]*Token{}
		for pool, tokens := range legacy {
			kind, kerr := ParseTokenKind(pool)
			if kerr != nil {
				logger.Logger.Warn("skip unknown token pool", zap.String("pool", pool))
				continue
			}
			doc.Pools[kind] = append(doc.Pools[kind], tokens...)
		}
	}

	for kind, tokens := range doc.Pools {
		kept := tokens[:0]
		for _, t := range tokens {
			if t == nil {
				continue
			}
			t.Secret = NormalizeSecret(t.Secret)
			if t.Secret == "" {
				continue
			}
			t.Kind = kind
			if t.Id == "" {
				t.Id = TokenID(t.Secret)
			}
			if t.Status == "" {
				t.Status = TokenStatusActive
			}
			kept = append(kept, t)
		}
		doc.Pools[kind] = kept
	}
	return doc, nil
}

func (s *LocalStorage) writeTokens(doc *localTokenFile) error {
	for kind := range doc.Pools {
		sort.Slice(doc.Pools[kind], func(i, j int) bool {
			return doc.Pools[kind][i].CreatedAt < doc.Pools[kind][j].CreatedAt
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode token file")
	}
	return writeFileAtomic(s.tokenPath, data)
}

// writeFileAtomic replaces path with data via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

func (s *LocalStorage) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.withLock(ctx, func() error {
		doc, err := s.readTokens()
		if err != nil {
			return err
		}
		snap.Generation = doc.Generation
		for _, tokens := range doc.Pools {
			snap.Tokens = append(snap.Tokens, tokens...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return snap, nil
}

// mutate loads token.json, applies fn and writes it back.
func (s *LocalStorage) mutate(ctx context.Context, fn func(doc *localTokenFile) error) error {
	return s.withLock(ctx, func() error {
		doc, err := s.readTokens()
		if err != nil {
			return err
		}
		if err = fn(doc); err != nil {
			return err
		}
		return s.writeTokens(doc)
	})
}

func (s *LocalStorage) UpsertToken(ctx context.Context, t *Token) error {
	if t == nil || t.Id == "" {
		return errors.New("token id is required")
	}
	stored := t.Clone()
	return s.mutate(ctx, func(doc *localTokenFile) error {
		for kind, tokens := range doc.Pools {
			for i, existing := range tokens {
				if existing.Id != stored.Id {
					continue
				}
				if kind == stored.Kind {
					tokens[i] = stored
					return nil
				}
				// kind changed, move it to the other pool
				doc.Pools[kind] = append(tokens[:i], tokens[i+1:]...)
				doc.Pools[stored.Kind] = append(doc.Pools[stored.Kind], stored)
				return nil
			}
		}
		doc.Pools[stored.Kind] = append(doc.Pools[stored.Kind], stored)
		return nil
	})
}

func (s *LocalStorage) DeleteTokens(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return s.mutate(ctx, func(doc *localTokenFile) error {
		for kind, tokens := range doc.Pools {
			kept := tokens[:0]
			for _, t := range tokens {
				if _, ok := drop[t.Id]; !ok {
					kept = append(kept, t)
				}
			}
			doc.Pools[kind] = kept
		}
		return nil
	})
}

func (s *LocalStorage) MarkGeneration(ctx context.Context) (int64, error) {
	var gen int64
	err := s.mutate(ctx, func(doc *localTokenFile) error {
		doc.Generation++
		gen = doc.Generation
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return gen, nil
}

func (s *LocalStorage) FlushUsage(ctx context.Context, id string, delta UsageDelta) error {
	return s.mutate(ctx, func(doc *localTokenFile) error {
		for _, tokens := range doc.Pools {
			for _, t := range tokens {
				if t.Id == id {
					delta.Apply(t)
					return nil
				}
			}
		}
		return errors.Wrap(ErrTokenNotFound, id)
	})
}

func (s *LocalStorage) LoadConfig(ctx context.Context) ([]byte, error) {
	var out []byte
	err := s.withLock(ctx, func() error {
		data, err := os.ReadFile(s.configPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrap(err, "read config file")
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (s *LocalStorage) SaveConfig(ctx context.Context, doc []byte) error {
	return s.withLock(ctx, func() error {
		return writeFileAtomic(s.configPath, doc)
	})
}

func (s *LocalStorage) Close() error {
	return nil
}
