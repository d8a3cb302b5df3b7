package behavior

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds Snowflake warehouse configuration.
type Config struct {
	Account     string
	User        string
	Password    string
	Database    string
	Schema      string
	Warehouse   string
	EventsTable string
	Enabled     bool
}

// DefaultEventsTable is queried when Config.EventsTable is empty.
const DefaultEventsTable = "USER_EVENTS"

// ParseConnectionString reads the semicolon separated form used by the
// Snowflake console, e.g. ACCOUNT=xxx;USER=zzz;PASSWORD=www;DB=db.schema;
func ParseConnectionString(connStr string) Config {
	parts := make(map[string]string)
	for _, kv := range strings.Split(connStr, ";") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		parts[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	database, schema, _ := strings.Cut(parts["DB"], ".")
	return Config{
		Account:   parts["ACCOUNT"],
		User:      parts["USER"],
		Password:  parts["PASSWORD"],
		Database:  database,
		Schema:    schema,
		Warehouse: parts["WAREHOUSE"],
		Enabled:   parts["ACCOUNT"] != "",
	}
}

// DSN renders the gosnowflake data source name:
// user:password@account/database/schema?warehouse=xxx
func (c Config) DSN() string {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Account,
		c.Database,
		c.Schema,
	)
	if c.Warehouse != "" {
		dsn += "?warehouse=" + url.QueryEscape(c.Warehouse)
	}
	return dsn
}
