package store

// Open selects the storage backend: Postgres when a database URL is
// configured, SQLite otherwise.
func Open(databaseURL, sqlitePath string) (Store, error) {
	if databaseURL != "" {
		return OpenPostgres(databaseURL)
	}
	return OpenSQLite(sqlitePath)
}
