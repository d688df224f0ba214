// Package platform loads the per-platform YAML configuration and provides
// the storefront fetch seam. The navigation and extraction sections are
// opaque to the core pipeline; only update_exclusions and the transport
// fields are interpreted here.
package platform

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Mode selects how a platform is fetched.
type Mode string

const (
	ModeAPI     Mode = "api"
	ModeGraphQL Mode = "graphql"
	ModeBrowser Mode = "browser"
)

// Exclusions is the per-platform write-back policy: field names that must
// never be reconciled into the source of record.
type Exclusions struct {
	SkipFields []string `yaml:"skip_fields"`
	Reason     string   `yaml:"reason"`
}

// Has reports whether the named field is excluded from write-back.
func (e Exclusions) Has(field string) bool {
	for _, f := range e.SkipFields {
		if f == field {
			return true
		}
	}
	return false
}

// Config is one platform's section of platforms.yaml. Navigation,
// Extraction, DesktopDetection and URLTransformation are handed verbatim to
// the fetch layer.
type Config struct {
	Tag               string         `yaml:"-"`
	Mode              Mode           `yaml:"mode"`
	BaseURL           string         `yaml:"base_url"`
	UserAgent         string         `yaml:"user_agent"`
	RateLimitPerSec   float64        `yaml:"rate_limit_per_sec"`
	LinkURLPattern    string         `yaml:"link_url_pattern"`
	NotFoundMarker    string         `yaml:"not_found_marker"`
	GraphQLQuery      string         `yaml:"graphql_query,omitempty"`
	Navigation        []any          `yaml:"navigation,omitempty"`
	Extraction        map[string]any `yaml:"extraction,omitempty"`
	DesktopDetection  map[string]any `yaml:"desktopDetection,omitempty"`
	URLTransformation map[string]any `yaml:"urlTransformation,omitempty"`
	UpdateExclusions  Exclusions     `yaml:"update_exclusions"`
}

// File is the parsed platforms.yaml.
type File struct {
	Platforms map[string]*Config `yaml:"platforms"`
}

// LoadFile reads and parses the platform configuration.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=platform.LoadFile path=%s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=platform.LoadFile parse: %w", err)
	}
	for tag, cfg := range f.Platforms {
		if cfg == nil {
			return nil, fmt.Errorf("op=platform.LoadFile: platform %q has empty config", tag)
		}
		cfg.Tag = tag
		switch cfg.Mode {
		case ModeAPI, ModeGraphQL, ModeBrowser:
		default:
			return nil, fmt.Errorf("op=platform.LoadFile: platform %q has unknown mode %q", tag, cfg.Mode)
		}
	}
	return &f, nil
}

// Platform returns a platform's config or nil when unknown.
func (f *File) Platform(tag string) *Config {
	if f == nil {
		return nil
	}
	return f.Platforms[tag]
}

// Tags returns the configured platform tags in sorted order.
func (f *File) Tags() []string {
	tags := make([]string, 0, len(f.Platforms))
	for t := range f.Platforms {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
