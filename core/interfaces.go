package core

import (
	"context"
)

// Extractor materializes a source file as a dataset
type Extractor interface {
	// Extract reads the file; the dataset is named after the file's table
	Extract(ctx context.Context, file FileDescriptor) (*Dataset, error)
}

// Loader writes a dataset to the partition-scoped destination
type Loader interface {
	// Load writes ds and returns the destination path
	Load(ctx context.Context, ds *Dataset, p Partition) (string, error)
}

// Notifier delivers operator notifications
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// StabilityProbe reports whether a writer has finished with a file
type StabilityProbe interface {
	// IsStable is true when size and modification time did not change
	// over the observation window
	IsStable(ctx context.Context, path string) bool
}

// Verifier checks a loaded file
type Verifier interface {
	// CountRows returns the number of rows stored at path
	CountRows(ctx context.Context, path string) (int64, error)
}

// QueryClient defines the interface for querying loaded data
type QueryClient interface {
	// Query executes a query and returns the results
	Query(ctx context.Context, query string) ([]map[string]interface{}, error)

	// Initialize sets up the query client
	Initialize() error

	// Close releases resources
	Close() error
}
