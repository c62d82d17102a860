package model

import (
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gosqlmysql "github.com/go-sql-driver/mysql"
)

// mysqlURLSchemes are rewritten to a go-sql-driver DSN.
var mysqlURLSchemes = []string{"mysql://", "mariadb://", "mysql+aiomysql://"}

// mysqlDSN accepts either a driver DSN or a mysql:// style URL and returns a
// driver DSN with parseTime on. loc defaults to UTC unless given explicitly.
func mysqlDSN(raw string) (string, error) {
	dsn, err := mysqlURLToDSN(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	cfg, err := gosqlmysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	if !hasQueryParam(dsn, "loc") {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}

func mysqlURLToDSN(raw string) (string, error) {
	rest := ""
	for _, scheme := range mysqlURLSchemes {
		if len(raw) >= len(scheme) && strings.EqualFold(raw[:len(scheme)], scheme) {
			rest = raw[len(scheme):]
			break
		}
	}
	if rest == "" {
		return raw, nil
	}

	u, err := url.Parse("mysql://" + rest)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql url")
	}
	if u.Host == "" {
		return "", errors.New("mysql url has no host")
	}

	var b strings.Builder
	if u.User != nil {
		b.WriteString(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			b.WriteString(":" + pw)
		}
		b.WriteString("@")
	}
	b.WriteString("tcp(" + u.Host + ")/" + strings.TrimPrefix(u.Path, "/"))
	if u.RawQuery != "" {
		b.WriteString("?" + u.RawQuery)
	}
	return b.String(), nil
}

func hasQueryParam(dsn, key string) bool {
	_, query, ok := strings.Cut(dsn, "?")
	if !ok {
		return false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return false
	}
	return values.Has(key)
}
