// Package config loads pfeguard settings from a YAML file and PFEGUARD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hed1ad/pfeguard/pkg/baseline"
	"github.com/hed1ad/pfeguard/pkg/dashboard"
	"github.com/hed1ad/pfeguard/pkg/detectors"
	"github.com/hed1ad/pfeguard/pkg/io/influx"
	"github.com/hed1ad/pfeguard/pkg/io/natsink"
	"github.com/hed1ad/pfeguard/pkg/io/sqlstore"
	"github.com/hed1ad/pfeguard/pkg/logging"
	"github.com/hed1ad/pfeguard/pkg/pipeline"
	"github.com/hed1ad/pfeguard/pkg/rules"
	"github.com/hed1ad/pfeguard/pkg/server"
)

// Sample sources.
const (
	SourceInflux = "influx"
	SourceSQL    = "sql"
	SourceCSV    = "csv"
)

// EnvPrefix prefixes every environment override, e.g. PFEGUARD_INFLUX_TOKEN.
const EnvPrefix = "PFEGUARD"

// CSV points at a file of timestamp,device,slot,exception,count rows.
type CSV struct {
	Path   string `mapstructure:"path"`
	Header bool   `mapstructure:"header"`
}

// NATS enables publishing alerts.
type NATS struct {
	Enabled bool `mapstructure:"enabled"`

	natsink.Config `mapstructure:",squash"`
}

// Config is the full application configuration.
type Config struct {
	// Source selects where samples come from: influx, sql or csv.
	Source string `mapstructure:"source"`
	// Inventory is an optional routers.yaml listing the polled devices.
	Inventory string `mapstructure:"inventory"`

	Influx    influx.Config    `mapstructure:"influx"`
	SQL       sqlstore.Config  `mapstructure:"sql"`
	CSV       CSV              `mapstructure:"csv"`
	NATS      NATS             `mapstructure:"nats"`
	Server    server.Config    `mapstructure:"server"`
	Log       logging.Config   `mapstructure:"log"`
	Dashboard dashboard.Config `mapstructure:"dashboard"`
	Baseline  baseline.Config  `mapstructure:"baseline"`
	Rules     rules.Config     `mapstructure:"rules"`
	ML        detectors.Config `mapstructure:"ml"`
	Pipeline  pipeline.Config  `mapstructure:"pipeline"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Source:    SourceInflux,
		Influx:    influx.DefaultConfig(),
		SQL:       sqlstore.DefaultConfig(),
		CSV:       CSV{Header: true},
		NATS:      NATS{Config: natsink.DefaultConfig()},
		Server:    server.DefaultConfig(),
		Log:       logging.DefaultConfig(),
		Dashboard: dashboard.DefaultConfig(),
		Baseline:  baseline.DefaultConfig(),
		Rules:     rules.DefaultConfig(),
		ML:        detectors.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
	}
}

// FieldError is one invalid configuration section.
type FieldError struct {
	Field string
	Err   error
}

// Error lists every invalid section found by Validate.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Err.Error()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks every section in use and reports all problems at once as
// an *Error.
func (c *Config) Validate() error {
	e := &Error{}
	check := func(field string, err error) {
		if err != nil {
			e.Fields = append(e.Fields, FieldError{Field: field, Err: err})
		}
	}

	switch c.Source {
	case SourceInflux:
		check("influx", c.Influx.Validate())
	case SourceSQL:
		check("sql", c.SQL.Validate())
	case SourceCSV:
		if c.CSV.Path == "" {
			check("csv.path", errors.New("required when source is csv"))
		}
	default:
		check("source", fmt.Errorf("unknown source %q", c.Source))
	}
	if c.NATS.Enabled {
		check("nats", c.NATS.Config.Validate())
	}
	check("server", c.Server.Validate())
	check("log", c.Log.Validate())
	check("dashboard", c.Dashboard.Validate())
	check("baseline", c.Baseline.Validate())
	check("rules", c.Rules.Validate())
	check("ml", c.ML.Validate())
	check("pipeline", c.Pipeline.Validate())

	if len(e.Fields) > 0 {
		return e
	}
	return nil
}

// Load reads path, or pfeguard.yaml from the working directory or
// /etc/pfeguard when path is empty, applies environment overrides and
// validates the result. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(Default()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pfeguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pfeguard/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of val under its mapstructure key so that
// environment variables can override keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")
		name := tag[0]
		squash := len(tag) > 1 && tag[1] == "squash"

		fv := val.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			next := prefix
			if !squash {
				next = prefix + name + "."
			}
			setDefaults(v, next, fv)
			continue
		}
		if name == "" || !f.IsExported() {
			continue
		}
		v.SetDefault(prefix+name, fv.Interface())
	}
}
