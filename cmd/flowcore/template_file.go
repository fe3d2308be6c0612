package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowcore/pkg/schema"
)

// readTemplateFile loads a template definition. Files ending in .yaml or
// .yml are YAML; anything else is JSON.
func readTemplateFile(path string) (schema.TemplateDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.TemplateDefinition{}, err
	}
	return decodeTemplate(data, filepath.Ext(path))
}

func decodeTemplate(data []byte, ext string) (schema.TemplateDefinition, error) {
	var def schema.TemplateDefinition
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return def, fmt.Errorf("parse yaml: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return def, fmt.Errorf("convert yaml: %w", err)
		}
		data = b
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, schema.NewError(schema.ErrCodeValidation, "template is not a valid document").WithCause(err)
	}
	return def, nil
}

func codeFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
