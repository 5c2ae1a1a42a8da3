package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"authrelay.org/internal/continuation"
)

type catalogFile struct {
	Attributes map[string]string `yaml:"attributes"`
}

// ParseCatalog reads an attribute catalog of the form
//
//	attributes:
//	  age: "42"
//	  email: jan@example.com
func ParseCatalog(data []byte) (continuation.Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Attributes) == 0 {
		return nil, errors.New("parse catalog: no attributes defined")
	}
	return continuation.Catalog(f.Attributes), nil
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string) (continuation.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}
