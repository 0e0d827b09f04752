package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// WithDBName returns the DSN with its database replaced. URL DSNs with the
// postgres:// or postgresql:// scheme are supported; a DSN without a scheme is
// treated as postgres://.
func WithDBName(dsn, database string) (string, error) {
	database = strings.TrimPrefix(strings.TrimSpace(database), "/")
	if database == "" {
		return "", errors.New("empty database name")
	}
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	u.Path = "/" + database
	u.RawPath = ""
	return u.String(), nil
}

// DatabaseName reports the database a DSN points at.
func DatabaseName(dsn string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u, nil
}
