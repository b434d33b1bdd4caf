// Package config holds the runtime configuration for entity caches and
// persistence strategies. Configuration is supplied programmatically by
// the embedding application; there is no file or flag loading here.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Cache configures a single entity cache instance.
//
// Zero values for MaxRecords and MaxSizeBytes mean unbounded.
type Cache struct {
	// MaxRecords caps the number of entries held in memory.
	MaxRecords int `validate:"gte=0"`

	// MaxSizeBytes caps the aggregate approximate size of all entries.
	MaxSizeBytes int64 `validate:"gte=0"`

	// FlushInterval is the period of the scheduled write-back cycle.
	FlushInterval time.Duration `validate:"gt=0"`

	// ShutdownGrace bounds how long Shutdown waits for an in-flight
	// flush cycle before giving up on the scheduler goroutine.
	ShutdownGrace time.Duration `validate:"gt=0"`

	// MaxBatchSize caps how many entities a persistence strategy writes
	// per backing-store execution.
	MaxBatchSize int `validate:"gt=0"`
}

// Default returns the standard cache configuration: unbounded capacity,
// one flush per minute, five second shutdown grace, batches of 100.
func Default() Cache {
	return Cache{
		MaxRecords:    0,
		MaxSizeBytes:  0,
		FlushInterval: 60 * time.Second,
		ShutdownGrace: 5 * time.Second,
		MaxBatchSize:  100,
	}
}

var validate = validator.New()

// Validate reports whether the configuration is internally consistent.
func (c Cache) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid cache config: %w", err)
	}
	return nil
}
