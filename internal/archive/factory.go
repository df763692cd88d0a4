// factory.go implements the archive backend registry and factory, mapping backend type
// strings (local, s3, gcs, azure) to constructor functions and dispatching New calls.
package archive

import "fmt"

// FactoryFunc is the constructor type for archive backends
type FactoryFunc func(*Config) (Backend, error)

var factories = make(map[string]FactoryFunc)

// Register registers an archive backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates an archive backend based on configuration
func New(cfg *Config) (Backend, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s (must be 'local', 's3', 'gcs', or 'azure')", cfg.Backend)
	}

	return factory(cfg)
}
