// Package config loads relay configuration. A YAML file is read first and
// environment variables override it; zero values then take defaults.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation.
package config
