package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config holds the optional memctl configuration file. Flags take precedence
// over file values.
type config struct {
	// Root is the storage root shared by all books.
	Root string `yaml:"root"`
	// Book is the default book id.
	Book string `yaml:"book"`
	// Fsync makes every append fsync before reporting success.
	Fsync bool `yaml:"fsync"`
	// AutoSnapshot commits the book directory after every successful
	// mutation.
	AutoSnapshot bool `yaml:"auto_snapshot"`
}

// loadConfig reads a YAML config file. A missing file is only an error when
// the path was given explicitly.
func loadConfig(path string, explicit bool) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return &config{}, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	c := &config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return c, nil
}
