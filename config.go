package rpm2sysvpkg

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configFilename = "config.yml"
	envPrefix      = "RPM2SYSVPKG_"
)

// Config controls how RPM metadata is mapped onto SVR4 packages. The template fields are
// expanded with ExpandVariables against the variables of the package being converted.
type Config struct {
	PkgName        string    `yaml:"pkg_name" env:"PKG_NAME"`
	Category       string    `yaml:"category" env:"CATEGORY"`
	Basedir        string    `yaml:"basedir" env:"BASEDIR"`
	Vendor         string    `yaml:"vendor" env:"VENDOR"`
	Pstamp         string    `yaml:"pstamp" env:"PSTAMP"`
	DatastreamName string    `yaml:"datastream_name" env:"DATASTREAM_NAME"`
	OutputDir      string    `yaml:"output_dir" env:"OUTPUT_DIR"`
	ASCIIFold      bool      `yaml:"ascii_fold" env:"ASCII_FOLD"`
	Depend         bool      `yaml:"depend" env:"DEPEND"`
	Interpreters   []string  `yaml:"interpreters" env:"INTERPRETERS" envSeparator:","`
	ArchMap        StringMap `yaml:"arch_map"`
	OwnerMap       StringMap `yaml:"owner_map"`
	GroupMap       StringMap `yaml:"group_map"`
	Variables      StringMap `yaml:"variables"`
}

// NewConfig returns the built-in configuration, with the user's file (if any) read over
// it and RPM2SYSVPKG_* environment variables applied last.
func NewConfig(userFilename string) (*Config, error) {
	configFile, err := GetResource(configFilename)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := yaml.Unmarshal([]byte(configFile), config); err != nil {
		Logger.WithError(err).Errorf("Unable to parse config file %s", configFilename)
		return nil, errors.Wrap(err, "built-in configuration")
	}
	if userFilename != "" {
		content, err := os.ReadFile(userFilename)
		if err != nil {
			return nil, errors.Wrap(err, "read configuration")
		}
		if err := yaml.UnmarshalStrict(content, config); err != nil {
			return nil, errors.Wrapf(err, "parse %s", userFilename)
		}
		Logger.Debugf("Read configuration from %s", userFilename)
	}
	if err := env.ParseWithOptions(config, env.Options{Prefix: envPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	for _, m := range []*StringMap{&config.ArchMap, &config.OwnerMap, &config.GroupMap, &config.Variables} {
		if *m == nil {
			*m = StringMap{}
		}
	}
	return config, nil
}

// lookup maps value through m, leaving unmapped values unchanged.
func (m StringMap) lookup(value string) string {
	if mapped, ok := m[value]; ok && mapped != "" {
		return mapped
	}
	return value
}
