// Package config loads, validates, and normalizes smelter configuration
// from TOML files with environment-variable credential overrides.
package config
