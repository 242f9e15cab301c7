package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/invopop/jsonschema"

	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// SnapshotTOML renders the frozen effective config as TOML. The snapshot
// is what a rerun consumes to reproduce the run byte-for-byte.
func (c *Config) SnapshotTOML() ([]byte, error) {
	var buf bytes.Buffer

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(c); err != nil {
		return nil, errors.Wrap(errors.ErrCodeArtifactWrite, "failed to encode config snapshot", err)
	}

	return buf.Bytes(), nil
}

// WriteSnapshot writes config_snapshot.toml into the run directory.
func (c *Config) WriteSnapshot(runDir string) error {
	data, err := c.SnapshotTOML()
	if err != nil {
		return err
	}

	path := filepath.Join(runDir, "config_snapshot.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to write %s", path)
	}

	return nil
}

// JSONSchema returns the JSON schema of the configuration, for editor
// integration and the `schema` CLI command.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: false}

	schema := reflector.Reflect(&Config{})

	data, err := schema.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIo, "failed to marshal config schema", err)
	}

	return data, nil
}
