// Package memory provides in-process implementations of the collection stores
// for tests, the CLI dry-run mode and single-instance deployments.
package memory
