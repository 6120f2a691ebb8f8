package main

import (
	"fmt"
	"os"

	"github.com/yajmaan/sevaflow/internal/model"
	"gopkg.in/yaml.v3"
)

// loadTemplates reads template configs from a YAML file. The file holds
// either a bare list or a mapping with a "templates" key.
func loadTemplates(path string) ([]model.TemplateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%s: no templates", path)
	}

	var templates []model.TemplateConfig
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&templates)
	case yaml.MappingNode:
		var wrapped struct {
			Templates []model.TemplateConfig `yaml:"templates"`
		}
		err = root.Decode(&wrapped)
		templates = wrapped.Templates
	default:
		return nil, fmt.Errorf("%s: expected a list of templates", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return templates, nil
}
