// Package setup initializes a taskdir data root.
package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/store"
	"github.com/msageha/taskdir/templates"
)

// ConfigFile is the configuration file name inside the data root.
const ConfigFile = "config.yaml"

// AuxDirs are created next to the stage directories.
var AuxDirs = []string{"scripts", "logs", "locks"}

// Run creates the stage and auxiliary directories under root, writes the
// default config.yaml and installs the example script. Existing files are
// left alone unless force is set; setup is safe to repeat.
func Run(root string, force bool) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}

	if info, err := os.Stat(absRoot); err == nil && !info.IsDir() {
		return fmt.Errorf("%s exists and is not a directory", absRoot)
	}

	// Create directory structure
	if err := store.NewFS(absRoot, store.DefaultMovePolicy).EnsureLayout(AuxDirs...); err != nil {
		return err
	}

	// Config
	if err := writeTemplate("config.yaml", filepath.Join(absRoot, ConfigFile), 0644, force, validateConfig); err != nil {
		return err
	}

	// Example script
	return writeTemplate("scripts/hello.sh", filepath.Join(absRoot, "scripts", "hello.sh"), 0755, force, nil)
}

func writeTemplate(name, dst string, perm os.FileMode, force bool, validate func([]byte) error) error {
	if !force {
		if _, err := os.Stat(dst); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
	}

	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if validate != nil {
		if err := validate(data); err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
	}
	if err := store.AtomicWriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := os.Chmod(dst, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return nil
}

func validateConfig(data []byte) error {
	_, err := ParseConfig(data)
	return err
}

// ParseConfig decodes config.yaml content over the defaults, so absent keys
// keep their default values. Unknown keys and invalid enum values are errors.
func ParseConfig(data []byte) (model.Config, error) {
	cfg := model.DefaultConfig()
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return model.Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// LoadConfig reads <root>/config.yaml. A missing file yields the defaults.
func LoadConfig(root string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return model.DefaultConfig(), nil
	}
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return model.Config{}, err
	}
	return cfg.WithDefaults(), nil
}
