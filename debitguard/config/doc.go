// Package config loads the debitguard service configuration from an optional
// YAML file and DEBITGUARD_* environment variables.
//
// Nested keys map to variables by upper-casing and replacing dots with
// underscores: redis.master_name is DEBITGUARD_REDIS_MASTER_NAME. List values
// such as redis.addresses accept a comma separated string.
package config
