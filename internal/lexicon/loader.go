// Package lexicon loads method definitions from YAML or JSON lexicon
// documents, checks them, and serves them from a registry that validates
// params, input and output values against the declared schemas.
package lexicon

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/xrpc/model"
)

// Document is one lexicon file. Each document declares exactly one method.
type Document struct {
	Lexicon int `json:"lexicon"`
	model.MethodDefinition

	Checksum   string `json:"-"`
	SourceFile string `json:"-"`
}

// Loader scans directories for lexicon documents, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.json files
// and parses each into a Document.
func (l *Loader) LoadAll(directories []string) ([]Document, error) {
	var docs []Document

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml", ".json":
			default:
				return nil
			}

			doc, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return docs, nil
}

// LoadFile loads and parses a single lexicon document.
func (l *Loader) LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	doc.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	doc.SourceFile = path

	return doc, nil
}

// Parse decodes a YAML or JSON lexicon document. YAML is converted to its
// JSON form first so schemas decode through the same path in both cases.
func Parse(data []byte) (Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, err
	}

	js, err := json.Marshal(raw)
	if err != nil {
		return Document{}, fmt.Errorf("converting to json: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(js, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
