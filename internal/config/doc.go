// Package config loads the JSON configuration of intentd and applies
// defaults and environment overrides for secrets.
package config
