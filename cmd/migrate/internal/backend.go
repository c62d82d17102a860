package internal

import (
	"context"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/chenyme/grok2api/model"
)

// Backend names one storage backend. URL is a directory for local, a file
// path for sqlite and a connection string for the network backends.
type Backend struct {
	Type string
	URL  string
}

func (b Backend) String() string {
	if b.URL == "" {
		return b.Type
	}
	return b.Type + "(" + redact(b.URL) + ")"
}

// redact hides the password of a connection string.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		rest, scheme = url, ""
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	user, _, hasPass := strings.Cut(rest[:at], ":")
	if !hasPass {
		return url
	}
	out := user + ":***" + rest[at:]
	if scheme != "" {
		out = scheme + "://" + out
	}
	return out
}

// Open connects to the backend without going through the server's env config.
func (b Backend) Open(ctx context.Context) (model.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(b.Type)) {
	case model.StorageTypeLocal:
		if b.URL == "" {
			return nil, errors.New("local backend requires a data directory")
		}
		return model.NewLocalStorage(b.URL)
	case model.StorageTypeRedis:
		return model.NewRedisStorage(ctx, b.URL)
	case model.StorageTypeMySQL, model.StorageTypePgSQL, model.StorageTypeSQLite:
		if b.URL == "" {
			return nil, errors.Errorf("%s backend requires a url", b.Type)
		}
		return model.NewSQLStorage(ctx, strings.ToLower(b.Type), b.URL)
	default:
		return nil, errors.Errorf("unknown storage type %q", b.Type)
	}
}

func (b Backend) same(o Backend) bool {
	return strings.EqualFold(b.Type, o.Type) && strings.TrimSpace(b.URL) == strings.TrimSpace(o.URL)
}
