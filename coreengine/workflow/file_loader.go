package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// graphDocument is the on-disk layout shared by the YAML and TOML formats:
//
//	graphs:
//	  - verb: RULE
//	    entry: parseRuleRequest
//	    nodes:
//	      - step: parseRuleRequest
//	        on_yes: generateRuleSql
type graphDocument struct {
	Graphs []*Graph `yaml:"graphs" toml:"graphs"`
}

// FileLoader reads graph definitions from a .yaml, .yml or .toml file.
type FileLoader struct {
	Path string
}

// NewFileLoader creates a FileLoader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements Loader.
func (l *FileLoader) Load() ([]*Graph, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}

	var doc graphDocument
	switch ext := strings.ToLower(filepath.Ext(l.Path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse workflow yaml %s: %w", l.Path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse workflow toml %s: %w", l.Path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow file extension '%s'", ext)
	}

	if len(doc.Graphs) == 0 {
		return nil, fmt.Errorf("workflow file %s declares no graphs", l.Path)
	}
	return doc.Graphs, nil
}
