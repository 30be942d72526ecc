// Package config loads the service configuration.
//
// Values come from built-in defaults, an optional YAML file and PCC_*
// environment variables, in increasing precedence. Watch reloads the file
// when it changes so user maxima can be tightened without a restart.
package config
