// Package config provides centralized configuration management for the
// chat service: a JSON configuration file with sensible defaults and
// environment-variable indirection for secrets such as API keys.
package config
