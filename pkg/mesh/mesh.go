// Package mesh provides the public API for embedding the event mesh.
// This is the stable API for external consumers.
package mesh

import (
	"github.com/glancehq/eventmesh/internal/runtime"
)

// Mesh is the main entry point for running the event mesh.
// See internal/runtime.Mesh for full documentation.
type Mesh = runtime.Mesh

// Option is a functional option for configuring a Mesh.
type Option = runtime.Option

// New creates a new Mesh with the given options.
// Example:
//
//	m, err := mesh.New(
//	    mesh.WithFileConfig("config.yaml"),
//	    mesh.WithSQLite("./data/eventmesh.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithMemoryStorage   = runtime.WithMemoryStorage
	WithSQLite          = runtime.WithSQLite
	WithDatabase        = runtime.WithDatabase
	WithStorageProvider = runtime.WithStorageProvider

	// Failure reporting
	WithErrorReporter = runtime.WithErrorReporter

	// Advanced options
	WithTokenCounter = runtime.WithTokenCounter
	WithLogger       = runtime.WithLogger
	WithClock        = runtime.WithClock
)
