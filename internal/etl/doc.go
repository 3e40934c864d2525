// Package etl defines the core types and store contracts shared by the
// warehouse pipeline stages: staging, data-quality validation, dimension
// resolution, fact writing, and export.
package etl
