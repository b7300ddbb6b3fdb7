package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/syncstate"
)

// Layer kinds
const (
	KindREST    = "rest"
	KindPostGIS = "postgis"
)

var layerName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LayersFile is the YAML document listing the synced layers
type LayersFile struct {
	Layers []LayerDef `yaml:"layers"`
}

// LayerDef configures one local layer and its remote resource
type LayerDef struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Local schema used when the store is created
	GeometryType string     `yaml:"geometry_type"`
	AllowMulti   bool       `yaml:"allow_multi,omitempty"`
	Fields       []FieldDef `yaml:"fields,omitempty"`

	// Initial sync settings; the state file wins once written
	SyncType  string `yaml:"sync_type,omitempty"`
	Direction string `yaml:"direction,omitempty"`

	// rest
	URL         string        `yaml:"url,omitempty"`
	ResourceID  int64         `yaml:"resource_id,omitempty"`
	Username    string        `yaml:"username,omitempty"`
	Password    string        `yaml:"password,omitempty"`
	PasswordEnv string        `yaml:"password_env,omitempty"` // Read the password from this variable
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty"`

	// postgis
	DSN          string `yaml:"dsn,omitempty"` // Defaults to the global database settings
	DBSchema     string `yaml:"schema,omitempty"`
	Table        string `yaml:"table,omitempty"`
	SRID         int    `yaml:"srid,omitempty"`
	CreateTables bool   `yaml:"create_tables,omitempty"`
}

// FieldDef is one attribute column of a layer
type FieldDef struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Alias string `yaml:"alias,omitempty"`
}

// LoadLayers loads and validates a layers file
func LoadLayers(path string) ([]LayerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layers file: %w", err)
	}

	var lf LayersFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse layers YAML: %w", err)
	}

	seen := make(map[string]bool, len(lf.Layers))
	for i := range lf.Layers {
		l := &lf.Layers[i]
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i+1, err)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		seen[l.Name] = true
	}
	return lf.Layers, nil
}

// Validate checks one layer definition
func (l *LayerDef) Validate() error {
	if !layerName.MatchString(l.Name) {
		return fmt.Errorf("invalid layer name %q", l.Name)
	}
	if _, err := l.Schema(); err != nil {
		return fmt.Errorf("layer %s: %w", l.Name, err)
	}
	if _, err := l.InitialSyncType(); err != nil {
		return fmt.Errorf("layer %s: %w", l.Name, err)
	}
	if _, err := l.SyncDirection(); err != nil {
		return fmt.Errorf("layer %s: %w", l.Name, err)
	}

	switch l.Kind {
	case KindREST:
		if l.URL == "" {
			return fmt.Errorf("layer %s: url is required", l.Name)
		}
		if l.ResourceID <= 0 {
			return fmt.Errorf("layer %s: resource_id is required", l.Name)
		}
	case KindPostGIS:
		if l.Table == "" {
			return fmt.Errorf("layer %s: table is required", l.Name)
		}
	default:
		return fmt.Errorf("layer %s: unknown kind %q", l.Name, l.Kind)
	}
	return nil
}

// Schema builds the local schema of the layer
func (l *LayerDef) Schema() (*feature.Schema, error) {
	gtype, err := feature.ParseGeometryType(l.GeometryType)
	if err != nil {
		return nil, err
	}
	s := &feature.Schema{Name: l.Name, GeometryType: gtype, AllowMulti: l.AllowMulti}
	for _, fd := range l.Fields {
		t, err := feature.ParseFieldType(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fd.Name, err)
		}
		if !s.AddField(feature.Field{Name: fd.Name, Alias: fd.Alias, Type: t}) {
			return nil, fmt.Errorf("duplicate field %q", fd.Name)
		}
	}
	return s, nil
}

// InitialSyncType is the sync type of a layer without a state file
func (l *LayerDef) InitialSyncType() (syncstate.SyncType, error) {
	if l.SyncType == "" {
		return syncstate.SyncAll, nil
	}
	return syncstate.ParseSyncType(l.SyncType)
}

// SyncDirection parses the direction, defaulting to both
func (l *LayerDef) SyncDirection() (syncstate.Direction, error) {
	if l.Direction == "" {
		return syncstate.Both, nil
	}
	return syncstate.ParseDirection(l.Direction)
}

// ResolvedPassword returns the inline password or the one from PasswordEnv
func (l *LayerDef) ResolvedPassword() string {
	if l.PasswordEnv != "" {
		return os.Getenv(l.PasswordEnv)
	}
	return l.Password
}
