// Copyright 2026 The pvdrm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides the configuration of pvdrmd. Values come from
// command line flags and, optionally, a TOML file named by --config; flags
// given explicitly on the command line take precedence over the file.
package config

import (
	"flag"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/hostdev"
)

// Config holds the daemon configuration. Each field with a "flag" tag is
// registered by RegisterFlags; its "toml" tag names the key in the file.
type Config struct {
	// Device is the host device opened for every guest file.
	Device string `flag:"device" toml:"device"`

	// Slots is the number of request slots in the guest pool.
	Slots int `flag:"slots" toml:"slots"`

	// MaxHandles bounds the handles the backend assigns.
	MaxHandles int `flag:"max-handles" toml:"max_handles"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the file logs are written to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// MetricsType selects the metrics sink: none, prometheus or graphite.
	MetricsType string `flag:"metrics-type" toml:"metrics_type"`

	// MetricsListen is the address the prometheus exporter listens on.
	MetricsListen string `flag:"metrics-listen" toml:"metrics_listen"`

	// MetricsPath is the HTTP path of the prometheus exporter.
	MetricsPath string `flag:"metrics-path" toml:"metrics_path"`

	// MetricsGraphite is the address of the graphite server.
	MetricsGraphite string `flag:"metrics-graphite" toml:"metrics_graphite"`

	// MetricsInterval is how often metrics are published.
	MetricsInterval time.Duration `flag:"metrics-interval" toml:"metrics_interval"`
}

const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path to a TOML configuration file. Flags set on the command line override its values.")

	// Device flags.
	flagSet.String("device", hostdev.DefaultPath, "host device opened for each guest file.")
	flagSet.Int("slots", pvdrm.MaxSlots, fmt.Sprintf("number of request slots in the shared page, at most %d.", pvdrm.MaxSlots))
	flagSet.Int("max-handles", 4096, "upper bound on assigned file handles.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")

	// Metrics flags.
	flagSet.String("metrics-type", "none", "metrics sink: none (default), prometheus, or graphite.")
	flagSet.String("metrics-listen", "127.0.0.1:9464", "address the prometheus exporter listens on.")
	flagSet.String("metrics-path", "/metrics", "HTTP path of the prometheus exporter.")
	flagSet.String("metrics-graphite", "", "address of the graphite server.")
	flagSet.Duration("metrics-interval", 10*time.Second, "how often metrics are published.")
}

// NewFromFlags creates a new Config with values coming from flagSet and the
// file it names, if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	// Start from every flag's value, which is its default unless set.
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})

	if fl := flagSet.Lookup(configFlag); fl != nil && fl.Value.String() != "" {
		path := fl.Value.String()
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("config file %q: unknown keys %v", path, keys)
		}
		// Flags given explicitly win over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			conf.setFromFlag(fl)
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlag copies fl's value into the field tagged with its name.
func (c *Config) setFromFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); !ok || name != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
		return
	}
}

func (c *Config) validate() error {
	if c.Slots < 1 || c.Slots > pvdrm.MaxSlots {
		return fmt.Errorf("slots must be in [1, %d], got %d", pvdrm.MaxSlots, c.Slots)
	}
	if c.MaxHandles <= pvdrm.FileGlobalHandle+1 || c.MaxHandles > math.MaxInt32 {
		return fmt.Errorf("max-handles must be in (%d, %d], got %d", pvdrm.FileGlobalHandle+1, math.MaxInt32, c.MaxHandles)
	}
	if c.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	switch c.MetricsType {
	case "none":
	case "prometheus":
		if c.MetricsListen == "" || c.MetricsPath == "" {
			return fmt.Errorf("prometheus metrics require metrics-listen and metrics-path")
		}
	case "graphite":
		if c.MetricsGraphite == "" {
			return fmt.Errorf("graphite metrics require metrics-graphite")
		}
	default:
		return fmt.Errorf("invalid metrics type %q, must be 'none', 'prometheus', or 'graphite'", c.MetricsType)
	}
	if c.MetricsType != "none" && c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics-interval must be positive, got %v", c.MetricsInterval)
	}
	return nil
}

// Log logs the configuration.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("Config.%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
