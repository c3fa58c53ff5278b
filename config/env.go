package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

const (
	EnvKafkaUser   = "KAFKA_SASL_USER"
	EnvKafkaPass   = "KAFKA_SASL_PASS"
	EnvInfluxToken = "INFLUX_TOKEN"
)

// LoadDotEnv loads environment variables from the .env file at path without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv reads secrets through getenv, usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	c.PubSub.Kafka.User = getenv(EnvKafkaUser)
	c.PubSub.Kafka.Pass = getenv(EnvKafkaPass)
	c.Influx.Token = getenv(EnvInfluxToken)
}
