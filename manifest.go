package rpm2sysvpkg

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const manifestFilename = "manifest.yml"

type (
	// Manifest describes this program as a distributable package: its metadata and
	// the data files installed onto the system.
	Manifest struct {
		Name            string        `yaml:"name"`
		Version         string        `yaml:"version"`
		License         string        `yaml:"license"`
		Description     string        `yaml:"description"`
		LongDescription string        `yaml:"long_description"`
		Author          string        `yaml:"author"`
		AuthorEmail     string        `yaml:"author_email"`
		URL             string        `yaml:"url"`
		DataFiles       []DataFileSet `yaml:"data_files"`
	}
	// DataFileSet is a list of files installed into one directory.
	DataFileSet struct {
		Dir   string   `yaml:"dir"`
		Files []string `yaml:"files"`
	}
)

// LoadManifest reads the built-in manifest.
func LoadManifest() (*Manifest, error) {
	content, err := GetResource(manifestFilename)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := yaml.UnmarshalStrict([]byte(content), m); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	if m.Name == "" || m.Version == "" {
		return nil, errors.New("manifest lacks name or version")
	}
	return m, nil
}

// Variables returns the manifest metadata for message templates.
func (m *Manifest) Variables() StringMap {
	return StringMap{
		"name":        m.Name,
		"version":     m.Version,
		"license":     m.License,
		"description": m.Description,
		"author":      m.Author,
		"authorEmail": m.AuthorEmail,
		"url":         m.URL,
	}
}
