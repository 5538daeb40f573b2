// Package config loads engine configuration from defaults, an optional YAML
// file and BURROW_ prefixed environment variables.
package config
