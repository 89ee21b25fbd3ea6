//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nicring/afxdp"
	"github.com/romshark/nicring/engine"
	"github.com/romshark/nicring/hwsim"
	"github.com/romshark/nicring/pktgen"
)

const defaultConfigPath = "nicring.yaml"

// Config is the content of the config file.
type Config struct {
	Device  hwsim.Config  `yaml:"device"`
	Traffic pktgen.Config `yaml:"traffic"`
	Port    afxdp.Config  `yaml:"port"`

	// Count is the number of frames the sim subcommand injects.
	Count uint64 `yaml:"count"`
	// Rate is the injection rate in frames per second, 0 for unlimited.
	Rate uint64 `yaml:"rate"`
	// NoMarker disables the engine's diagnostic marker.
	NoMarker bool `yaml:"no-marker"`
}

const defaultCount = 1000

// loadConfig reads the file named by the config flag. The default file may be
// absent, in which case every setting takes its default.
func loadConfig(c *cli.Context) (*Config, error) {
	var conf Config
	path := c.String("config")
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !c.IsSet("config"):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	}
	if conf.Count == 0 {
		conf.Count = defaultCount
	}
	return &conf, nil
}

func (conf *Config) validate() error {
	err := errors.Join(
		conf.Device.ValidateAndSetDefaults(),
		conf.Traffic.ValidateAndSetDefaults(),
	)
	if err != nil {
		return err
	}
	eng := engine.Config{Geometry: conf.Device.Rings, NoMarker: conf.NoMarker}
	return eng.ValidateAndSetDefaults()
}

func (conf *Config) print(w io.Writer) error {
	fmt.Fprintf(w, "FINAL CONFIG:\n")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(conf); err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	return enc.Close()
}
