package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/umputun/dbrelay/pkg/filter"
)

// SourceDef defines a named data source. Kind "table" (default) is a table, view or derived query,
// kind "sql" is a set of raw sql templates per verb, kind "function" is a stored procedure call.
type SourceDef struct {
	ID            string                      `yaml:"id" toml:"id"`
	Kind          string                      `yaml:"kind" toml:"kind"`
	Object        string                      `yaml:"object" toml:"object"`                 // base table or view
	Query         string                      `yaml:"query" toml:"query"`                   // derived query, used for reads instead of object
	OrderBy       string                      `yaml:"order_by" toml:"order_by"`             // default ordering of select
	Access        map[string]string           `yaml:"access" toml:"access"`                 // verb -> access type
	VPD           *VPDDef                     `yaml:"vpd" toml:"vpd"`                       // row-level security predicate
	CustomFilters map[string]filter.CustomDef `yaml:"custom_filters" toml:"custom_filters"` // named predicates
	PrimaryKey    []string                    `yaml:"primary_key" toml:"primary_key"`       // discovered if not set
	SQL           map[string]string           `yaml:"sql" toml:"sql"`                       // verb -> template, sql sources
	Call          string                      `yaml:"call" toml:"call"`                     // call template, function sources
}

// VPDDef is a row-level security predicate and the verbs it applies to
type VPDDef struct {
	SQL   string   `yaml:"sql" toml:"sql"`
	Apply []string `yaml:"apply" toml:"apply"`
}

// SourcesFile is the layout of a separate sources file
type SourcesFile struct {
	Sources []SourceDef `yaml:"sources" toml:"sources"`
}

var sourceKinds = map[string]bool{"table": true, "sql": true, "function": true}

// LoadSources reads source definitions from a yaml or toml file and validates them
func LoadSources(fname string) ([]SourceDef, error) {
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read sources %s: %w", fname, err)
	}
	res := SourcesFile{}
	if err := unmarshal(fname, data, &res); err != nil {
		return nil, fmt.Errorf("can't unmarshal sources: %w", err)
	}
	if err := CheckSources(res.Sources); err != nil {
		return nil, fmt.Errorf("sources %s are invalid: %w", fname, err)
	}
	log.Printf("[DEBUG] %d sources loaded from %s", len(res.Sources), fname)
	return res.Sources, nil
}

// CheckSources validates source definitions, collecting all problems found
func CheckSources(defs []SourceDef) error {
	errs := new(multierror.Error)
	ids := map[string]bool{}
	for i, d := range defs {
		if d.ID == "" {
			errs = multierror.Append(errs, fmt.Errorf("source #%d has no id", i))
			continue
		}
		if ids[strings.ToLower(d.ID)] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate source id %q", d.ID))
		}
		ids[strings.ToLower(d.ID)] = true

		kind := d.KindName()
		if !sourceKinds[kind] {
			errs = multierror.Append(errs, fmt.Errorf("source %q has unknown kind %q", d.ID, d.Kind))
			continue
		}
		switch kind {
		case "table":
			if d.Object == "" && d.Query == "" {
				errs = multierror.Append(errs, fmt.Errorf("source %q needs object or query", d.ID))
			}
		case "sql":
			if len(d.SQL) == 0 {
				errs = multierror.Append(errs, fmt.Errorf("source %q has no sql templates", d.ID))
			}
		case "function":
			if d.Call == "" {
				errs = multierror.Append(errs, fmt.Errorf("source %q has no call template", d.ID))
			}
		}
	}
	return errs.ErrorOrNil()
}

// KindName returns lower-cased kind, "table" if not set
func (d SourceDef) KindName() string {
	if d.Kind == "" {
		return "table"
	}
	return strings.ToLower(d.Kind)
}
