// Package config loads, validates and hot-reloads the envwatch config file.
//
// The file is JSON or YAML (chosen by extension). YAML is converted to JSON
// first so both formats are decoded with unknown fields rejected. Secrets are
// not part of the file: sections name the environment variables that hold
// them, and the CLI can load those from a .env file.
package config
