// Package config loads the daemon configuration from a JSON file, fills in
// defaults and overlays secrets taken from the environment.
package config
