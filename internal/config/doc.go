// Package config loads gateway configuration from YAML with ${ENV_VAR}
// expansion, duration parsing and validation.
package config
