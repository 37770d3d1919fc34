// Package config loads process configuration from APP_-prefixed
// environment variables, failing startup with a named ConfigurationError
// when a required variable is missing.
package config

import (
	"fmt"
	"os"
	"strconv"
)

const envPrefix = "APP_"

// ConfigurationError aborts startup, naming the missing variable and the
// environment variable that would have provided it.
type ConfigurationError struct {
	Variable string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: required variable %s%s is not set; export %s%s=... to provide it",
		envPrefix, e.Variable, envPrefix, e.Variable)
}

// Config is the broker's process configuration.
type Config struct {
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	LabServiceURL string // provisioner-specific: labhttp backend base URL
	HTTPAddr      string
}

// Load reads Config from the environment, applying defaults and failing
// with a ConfigurationError on any missing required variable.
func Load() (*Config, error) {
	c := &Config{
		DBPort:   5432,
		HTTPAddr: ":8080",
	}

	var err error
	if c.DBHost, err = required("DB_HOST"); err != nil {
		return nil, err
	}
	if c.DBName, err = required("DB_NAME"); err != nil {
		return nil, err
	}
	if c.DBUser, err = required("DB_USER"); err != nil {
		return nil, err
	}
	if c.DBPassword, err = required("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if v := os.Getenv(envPrefix + "DB_PORT"); v != "" {
		p, perr := strconv.Atoi(v)
		if perr != nil {
			return nil, &ConfigurationError{Variable: "DB_PORT"}
		}
		c.DBPort = p
	}
	c.LabServiceURL = os.Getenv(envPrefix + "LAB_SERVICE_URL")
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	return c, nil
}

func required(name string) (string, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return "", &ConfigurationError{Variable: name}
	}
	return v, nil
}

// Bool treats "1" or "TRUE" (case-sensitive) as true; everything else,
// including unset, is false.
func Bool(name string) bool {
	v := os.Getenv(envPrefix + name)
	return v == "1" || v == "TRUE"
}
