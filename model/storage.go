package model

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/pelletier/go-toml/v2"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
)

const (
	StorageTypeLocal  = "local"
	StorageTypeRedis  = "redis"
	StorageTypeMySQL  = "mysql"
	StorageTypePgSQL  = "pgsql"
	StorageTypeSQLite = "sqlite"
)

// Snapshot is everything a backend holds about the token pool.
type Snapshot struct {
	Tokens     []*Token
	Generation int64
}

// Storage persists tokens and the runtime configuration document.
//
// Writers call MarkGeneration after a batch of token changes so that other
// processes sharing the backend pick them up on their next reload. Usage
// flushes do not bump the generation.
type Storage interface {
	Type() string
	LoadAll(ctx context.Context) (*Snapshot, error)
	UpsertToken(ctx context.Context, t *Token) error
	DeleteTokens(ctx context.Context, ids []string) error
	// MarkGeneration bumps and returns the generation counter.
	MarkGeneration(ctx context.Context) (int64, error)
	FlushUsage(ctx context.Context, id string, delta UsageDelta) error
	// LoadConfig returns the stored TOML document, or nil when none was saved yet.
	LoadConfig(ctx context.Context) ([]byte, error)
	SaveConfig(ctx context.Context, doc []byte) error
	Close() error
}

// ErrTokenNotFound is returned by FlushUsage for ids the backend does not know.
var ErrTokenNotFound = errors.New("token not found")

// OpenStorage builds the backend selected by storageType.
func OpenStorage(ctx context.Context, storageType, url string) (Storage, error) {
	storageType = strings.ToLower(strings.TrimSpace(storageType))
	logger.Logger.Info("initializing storage backend", zap.String("type", storageType))

	switch storageType {
	case "", StorageTypeLocal:
		return NewLocalStorage(config.DataDir)
	case StorageTypeRedis:
		if url == "" {
			return nil, errors.New("redis storage requires SERVER_STORAGE_URL")
		}
		return NewRedisStorage(ctx, url)
	case StorageTypeMySQL, StorageTypePgSQL:
		if url == "" {
			return nil, errors.Errorf("%s storage requires SERVER_STORAGE_URL", storageType)
		}
		return NewSQLStorage(ctx, storageType, url)
	case StorageTypeSQLite:
		return NewSQLStorage(ctx, storageType, config.SQLitePath())
	default:
		return nil, errors.Errorf("unknown storage type %q", storageType)
	}
}

// flattenConfig turns a TOML document into "section.key" -> JSON value pairs,
// the layout used by the redis hash and the app_config table.
func flattenConfig(doc []byte) (map[string]string, error) {
	tree := map[string]any{}
	if err := toml.Unmarshal(doc, &tree); err != nil {
		return nil, errors.Wrap(err, "decode config toml")
	}

	out := map[string]string{}
	for section, raw := range tree {
		items, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for key, val := range items {
			encoded, err := json.Marshal(markFloats(val))
			if err != nil {
				return nil, errors.Wrapf(err, "encode config value %s.%s", section, key)
			}
			out[section+"."+key] = string(encoded)
		}
	}
	return out, nil
}

// floatLiteral keeps a trailing ".0" on integral floats so they decode back as floats.
type floatLiteral float64

func (f floatLiteral) MarshalJSON() ([]byte, error) {
	out := strconv.FormatFloat(float64(f), 'f', -1, 64)
	if !strings.ContainsAny(out, ".eE") {
		out += ".0"
	}
	return []byte(out), nil
}

func markFloats(v any) any {
	switch x := v.(type) {
	case float64:
		return floatLiteral(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = markFloats(x[i])
		}
		return out
	default:
		return v
	}
}

// unflattenConfig is the inverse of flattenConfig.
func unflattenConfig(flat map[string]string) ([]byte, error) {
	if len(flat) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tree := map[string]any{}
	for _, composite := range keys {
		section, key, ok := strings.Cut(composite, ".")
		if !ok {
			continue
		}
		items, _ := tree[section].(map[string]any)
		if items == nil {
			items = map[string]any{}
			tree[section] = items
		}
		items[key] = decodeConfigValue(flat[composite])
	}

	out, err := toml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "encode config toml")
	}
	return out, nil
}

func decodeConfigValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	return normalizeNumbers(v)
}

// normalizeNumbers keeps integers integral so TOML does not emit 5.0 for int fields.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if i, err := x.Int64(); err == nil {
				return i
			}
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}
