package database

// TestPostgresConfig returns the PostgreSQL config used by integration tests.
// Tests skip when TEST_DB_HOST is unset.
func TestPostgresConfig() Config {
	return Config{
		Driver:   DriverPostgres,
		Host:     getEnv("TEST_DB_HOST", ""),
		Port:     5432,
		Name:     getEnv("TEST_DB_NAME", "agencycache_test"),
		User:     getEnv("TEST_DB_USER", "agencycache"),
		Password: getEnv("TEST_DB_PASSWORD", ""),
		SSLMode:  "disable",
	}
}
