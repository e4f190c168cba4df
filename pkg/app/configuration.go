package app

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/blaubaer/volume-mixer/pkg/common"
)

func NewConfiguration() Configuration {
	return Configuration{
		false,

		common.Regexp{},
		common.Regexp{},
	}
}

type Configuration struct {
	PreventAutoSave bool `yaml:"preventAutoSave"`

	IncludedSessionNames common.Regexp `yaml:"includedSessionNames,omitempty"`
	ExcludedSessionNames common.Regexp `yaml:"excludedSessionNames,omitempty"`
}

func (this *Configuration) SetupConfiguration(using common.FlagHolder) {
	using.Flag("preventAutoSave", "If provided configuration will NOT automatically be saved upon changes.").
		Envar("VM_PREVENT_AUTO_SAVE").
		BoolVar(&this.PreventAutoSave)
	using.Flag("includedSessionNames", "Which session names should be tracked. If empty, every session is tracked.").
		Envar("VM_INCLUDED_SESSION_NAMES").
		SetValue(&this.IncludedSessionNames)
	using.Flag("excludedSessionNames", "Which session names should not be tracked.").
		Envar("VM_EXCLUDED_SESSION_NAMES").
		SetValue(&this.ExcludedSessionNames)
}

func defaultConfigurationFile() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		fs, err := os.Stat(appData)
		if err == nil && fs.IsDir() {
			return filepath.Join(appData, "volume-mixer", "configuration.yml")
		}
	}

	u, err := user.Current()
	if err != nil {
		return "configuration.yaml"
	}

	return filepath.Join(u.HomeDir, ".config", "volume-mixer", "configuration.yml")
}

func (this *Configuration) loadFrom(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return dec.Decode(this)
}

func (this *Configuration) loadFromFile(fn string, ignoreNotFound bool) error {
	f, err := os.Open(fn)
	if os.IsNotExist(err) && ignoreNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot open configuration file %q: %w", fn, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := this.loadFrom(f); err != nil {
		return fmt.Errorf("cannot load configuration file %q: %w", fn, err)
	}

	return nil
}

func (this *Configuration) loadDefault(ignoreNotFound bool) error {
	return this.loadFromFile(defaultConfigurationFile(), ignoreNotFound)
}

func (this *Configuration) saveTo(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return enc.Encode(this)
}

func (this *Configuration) saveToFile(fn string) error {
	_ = os.MkdirAll(filepath.Dir(fn), 0700)

	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cannot open configuration file %q: %w", fn, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := this.saveTo(f); err != nil {
		return fmt.Errorf("cannot write file %q: %w", fn, err)
	}

	return nil
}
