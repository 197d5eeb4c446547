// Package config loads the daemon configuration from a YAML file, fills in
// defaults and resolves relative paths against the file's directory.
package config
