// Package config provides configuration loading and validation for the
// livefeed service. A YAML file is layered over built-in defaults, then a
// few environment variables override individual fields.
package config
