// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"regexp"

	"github.com/zeebo/errs"

	"cloudkit.io/cloudkit/storage"
)

// ErrConfig is returned for invalid store configuration
var ErrConfig = errs.Class("config error")

// identifier constrains collection and view names and extracted keys so they
// can double as URI segments and SQL identifiers.
var identifier = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Config declares the collections the store serves and the views derived
// from them.
type Config struct {
	Collections []string
	Views       []*View
}

// Validate checks names for uniqueness and identifier shape
func (config Config) Validate() error {
	seen := map[string]bool{}
	for _, collection := range config.Collections {
		if err := validName(collection); err != nil {
			return err
		}
		if seen[collection] {
			return ErrConfig.New("duplicate collection %q", collection)
		}
		seen[collection] = true
	}
	for _, view := range config.Views {
		if err := validName(view.Name); err != nil {
			return err
		}
		if seen[view.Name] {
			return ErrConfig.New("view %q collides with another name", view.Name)
		}
		seen[view.Name] = true

		if !config.hasCollection(view.Collection) {
			return ErrConfig.New("view %q observes unknown collection %q", view.Name, view.Collection)
		}
		for _, key := range view.Keys {
			if !identifier.MatchString(key) {
				return ErrConfig.New("view %q has invalid key %q", view.Name, key)
			}
			if key == "uri" || key == "collection_reference" || key == "id" {
				return ErrConfig.New("view %q key %q is reserved", view.Name, key)
			}
		}
	}
	return nil
}

func validName(name string) error {
	if !identifier.MatchString(name) {
		return ErrConfig.New("invalid name %q", name)
	}
	if name == metaName || name == resolvedName || name == versionsName {
		return ErrConfig.New("name %q is reserved", name)
	}
	return nil
}

func (config Config) hasCollection(name string) bool {
	for _, collection := range config.Collections {
		if collection == name {
			return true
		}
	}
	return false
}

func (config Config) view(name string) *View {
	for _, view := range config.Views {
		if view.Name == name {
			return view
		}
	}
	return nil
}

// schemas returns the storage schemas for all configured views
func (config Config) schemas() []storage.ViewSchema {
	var schemas []storage.ViewSchema
	for _, view := range config.Views {
		schemas = append(schemas, view.Schema())
	}
	return schemas
}
