// Package config loads application configuration.
//
// Values start from Default, are overlaid by the YAML file named in
// SCHOOLGUARD_CONFIG_FILE, and finally by SCHOOLGUARD_* environment
// variables. cmd/schoolguard loads a .env file into the environment first.
//
// Common variables:
//
//	SCHOOLGUARD_PORT="8080"
//	SCHOOLGUARD_HEALTH_PORT="9090"
//	SCHOOLGUARD_DB_DRIVER="postgres"          # postgres or sqlite3
//	SCHOOLGUARD_DB_URL="postgres://localhost/schoolguard?sslmode=disable"
//	SCHOOLGUARD_REDIS_URL="redis://localhost:6379/0"
//	SCHOOLGUARD_TOKEN_TTL="168h"
//	SCHOOLGUARD_IMPERSONATION_SECRET="..."    # at least 32 characters
//	SCHOOLGUARD_IMPERSONATION_TTL="1h"
//	SCHOOLGUARD_AUDIT_RETENTION_DAYS="365"
//	SCHOOLGUARD_AUDIT_CLEANUP_BATCH="1000"
//	SCHOOLGUARD_S3_BUCKET="schoolguard-archive"
//	SCHOOLGUARD_RBAC_SEED_FILE="/etc/schoolguard/roles.yaml"
//	SCHOOLGUARD_LOG_LEVEL="info"              # debug, info, warn, error
//	SCHOOLGUARD_OTEL_ENABLED="true"
//
// The same keys in YAML:
//
//	server:
//	  port: "8080"
//	database:
//	  driver: postgres
//	  url: postgres://localhost/schoolguard
//	impersonation:
//	  token_ttl: 30m
package config
