// ABOUTME: Package documentation for the config package.
// ABOUTME: Describes YAML loading, env expansion, and validation rules.

// Package config loads and validates tabmux context configuration.
//
// Configuration is a single YAML file. Values of the form ${VAR_NAME} are
// expanded from the environment before parsing, so secrets stay out of the
// file itself. Duration fields are written as Go duration strings
// ("2s", "300ms", "24h") and parsed after unmarshaling.
//
// Load is the only entry point; it reads, expands, parses, and validates in
// one call and returns the first error it hits.
package config
