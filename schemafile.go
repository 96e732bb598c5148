package crudodb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type schemaFile struct {
	Schemas []Schema `yaml:"schemas"`
}

// ParseSchemas reads schema declarations from YAML:
//
//	schemas:
//	  - collection: todos
//	    instance: app
//	    version: 2
//	    indices:
//	      - name: by_owner
//	        key_path: owner.id
//
// Unknown fields are rejected. Migrate hooks cannot be declared in YAML.
func ParseSchemas(data []byte) ([]Schema, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f schemaFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("crudodb: parsing schemas: %w", err)
	}
	for i, s := range f.Schemas {
		s = s.withDefaults()
		if err := s.validate(""); err != nil {
			return nil, err
		}
		f.Schemas[i] = s
	}
	return f.Schemas, nil
}

func LoadSchemas(path string) ([]Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSchemas(data)
}
