// Package config loads and validates nodekit's runtime configuration from
// YAML or JSON files with environment variable overrides. All knobs have
// working defaults: an empty Config is usable after Default().
package config
