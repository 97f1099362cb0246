package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/codeload/errors"
)

// Marshal renders the config as TOML. The extraction API key is redacted.
func Marshal(cfg *Config) ([]byte, error) {
	redacted := *cfg
	if redacted.Extraction.APIKey != "" {
		redacted.Extraction.APIKey = "********"
	}
	data, err := toml.Marshal(redacted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// WriteFile writes cfg as TOML to path, refusing to overwrite an existing file
func WriteFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return errors.WithHint(
			errors.Newf("config file already exists: %s", path),
			"edit the existing file or remove it first")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", path)
	}
	return nil
}
