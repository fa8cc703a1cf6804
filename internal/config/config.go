// Package config loads cartengine configuration from YAML or CUE files,
// applies CARTENGINE_* environment overrides and validates the result.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	validatorv10 "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cartengine/internal/engine"
	"github.com/roach88/cartengine/internal/logging"
	"github.com/roach88/cartengine/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// File is the on-disk configuration.
type File struct {
	ScopeID            string   `yaml:"scopeId" json:"scopeId" validate:"required"`
	MaxItems           int      `yaml:"maxItems" json:"maxItems" validate:"gte=0"`
	MaxQuantityPerItem int      `yaml:"maxQuantityPerItem" json:"maxQuantityPerItem" validate:"gte=0"`
	AutoPersist        *bool    `yaml:"autoPersist" json:"autoPersist"`
	PersistDebounce    Duration `yaml:"persistDebounce" json:"persistDebounce" validate:"gte=0"`
	Ambient            *Range   `yaml:"ambient,omitempty" json:"ambient,omitempty"`
	Storage            Storage  `yaml:"storage" json:"storage"`
	Services           Services `yaml:"services" json:"services"`
	Notify             Notify   `yaml:"notify" json:"notify"`
	Ledger             Ledger   `yaml:"ledger" json:"ledger"`
	Logging            Logging  `yaml:"logging" json:"logging"`
}

// Range is the ambient rental period.
type Range struct {
	Start time.Time `yaml:"start" json:"start" validate:"required"`
	End   time.Time `yaml:"end" json:"end" validate:"required,gtfield=Start"`
}

// Storage selects the persistence backend.
type Storage struct {
	Driver string `yaml:"driver" json:"driver" validate:"oneof=memory sqlite postgres"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Driver sqlite"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
	// Quota is the byte budget shared by all scopes. Zero means unlimited.
	Quota int64 `yaml:"quota" json:"quota" validate:"gte=0"`
}

// Services locates the remote availability and booking services.
type Services struct {
	AvailabilityURL string   `yaml:"availabilityUrl,omitempty" json:"availabilityUrl,omitempty" validate:"omitempty,url"`
	BookingURL      string   `yaml:"bookingUrl,omitempty" json:"bookingUrl,omitempty" validate:"omitempty,url"`
	Timeout         Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	MaxBatch        int      `yaml:"maxBatch,omitempty" json:"maxBatch,omitempty" validate:"gte=0"`
}

// Notify configures the RabbitMQ action notifier.
type Notify struct {
	AMQPURL  string `yaml:"amqpUrl,omitempty" json:"amqpUrl,omitempty" validate:"omitempty,url"`
	Exchange string `yaml:"exchange,omitempty" json:"exchange,omitempty"`
}

// Ledger seeds the in-process ledger used in offline mode.
type Ledger struct {
	DefaultStock int            `yaml:"defaultStock,omitempty" json:"defaultStock,omitempty" validate:"gte=0"`
	Stock        map[string]int `yaml:"stock,omitempty" json:"stock,omitempty" validate:"dive,gte=0"`
}

// Logging configures the zap logger.
type Logging struct {
	Level       string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development" json:"development"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	autoPersist := true
	return File{
		ScopeID:            "global",
		MaxItems:           engine.DefaultMaxItems,
		MaxQuantityPerItem: engine.DefaultMaxQuantityPerItem,
		AutoPersist:        &autoPersist,
		PersistDebounce:    Duration(engine.DefaultPersistDebounce),
		Storage:            Storage{Driver: DriverSQLite, Path: "cartengine.db"},
		Logging:            Logging{Level: "info"},
	}
}

// Load reads path, applies environment overrides and validates. An empty
// path loads Default. The format follows the extension: .cue for CUE,
// .yaml, .yml or .json for YAML.
func Load(path string) (File, error) {
	f := Default()
	if path != "" {
		var err error
		f, err = LoadFile(path)
		if err != nil {
			return File{}, err
		}
	}
	f.ApplyEnv(os.LookupEnv)
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// LoadFile parses path without environment overrides or validation.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUE(data, path)
	case ".yaml", ".yml", ".json":
		return ParseYAML(data)
	default:
		return File{}, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
}

// ParseYAML decodes a YAML (or JSON) document on top of Default.
func ParseYAML(data []byte) (File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse YAML config: %w", err)
	}
	return f, nil
}

// ParseCUE unifies a CUE document with the embedded #Config schema and
// decodes the concrete result.
func ParseCUE(data []byte, filename string) (File, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return File{}, fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return File{}, fmt.Errorf("parse CUE config: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return File{}, fmt.Errorf("CUE config does not match schema: %w", err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return File{}, fmt.Errorf("export CUE config: %w", err)
	}
	f := Default()
	if err := json.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("decode CUE config: %w", err)
	}
	return f, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvScope           = "CARTENGINE_SCOPE"
	EnvDB              = "CARTENGINE_DB"
	EnvPostgresDSN     = "CARTENGINE_PG_DSN"
	EnvAvailabilityURL = "CARTENGINE_AVAILABILITY_URL"
	EnvBookingURL      = "CARTENGINE_BOOKING_URL"
	EnvAMQPURL         = "CARTENGINE_AMQP_URL"
	EnvLogLevel        = "CARTENGINE_LOG_LEVEL"
)

// ApplyEnv overrides fields from the environment. A DSN switches the
// driver to postgres; a database path switches it to sqlite.
func (f *File) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvScope); ok && v != "" {
		f.ScopeID = v
	}
	if v, ok := lookup(EnvDB); ok && v != "" {
		f.Storage.Driver = DriverSQLite
		f.Storage.Path = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		f.Storage.Driver = DriverPostgres
		f.Storage.DSN = v
	}
	if v, ok := lookup(EnvAvailabilityURL); ok && v != "" {
		f.Services.AvailabilityURL = v
	}
	if v, ok := lookup(EnvBookingURL); ok && v != "" {
		f.Services.BookingURL = v
	}
	if v, ok := lookup(EnvAMQPURL); ok && v != "" {
		f.Notify.AMQPURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		f.Logging.Level = strings.ToLower(v)
	}
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Fields, ", "))
}

var validate = func() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}()

// Validate checks field constraints. Returns *ValidationError naming every
// offending field by its namespaced json path.
func (f File) Validate() error {
	f.ScopeID = strings.TrimSpace(f.ScopeID)
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validatorv10.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			ns := fe.Namespace()
			if i := strings.IndexByte(ns, '.'); i >= 0 {
				ns = ns[i+1:]
			}
			fields = append(fields, ns+" ("+fe.Tag()+")")
		}
		return &ValidationError{Fields: fields}
	}
	return err
}

// EngineConfig converts the file to an engine configuration.
func (f File) EngineConfig() engine.Config {
	cfg := engine.Config{
		ScopeID:            f.ScopeID,
		MaxItems:           f.MaxItems,
		MaxQuantityPerItem: f.MaxQuantityPerItem,
		ManualPersist:      f.AutoPersist != nil && !*f.AutoPersist,
		PersistDebounce:    f.PersistDebounce.Std(),
	}
	if f.Ambient != nil {
		r := model.DateRange{Start: f.Ambient.Start.UTC(), End: f.Ambient.End.UTC()}
		cfg.AmbientRange = func() (model.DateRange, bool) { return r, true }
	}
	return cfg
}

// LoggingConfig converts the logging section.
func (f File) LoggingConfig() logging.Config {
	return logging.Config{Level: f.Logging.Level, Development: f.Logging.Development}
}
