package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/structlink/internal/config"
)

// ApplicationName is reported to the server for every journal connection.
const ApplicationName = "structlink"

// BuildConnString builds a PostgreSQL URL from config. The password is
// escaped so any character may appear in it.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
