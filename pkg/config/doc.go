// Package config loads typed configuration structs from environment
// variables, with optional .env file support for local development.
//
// Each package that needs configuration declares its own Config struct with
// env tags; process entry points load them once at startup.
package config
