// Package config loads the daemon's JSON runtime configuration and the YAML
// roster describing skills, agent behaviour and agent dependencies.
package config
