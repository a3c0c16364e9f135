// Package id provides identifier generation for jobs and their correlation IDs.
package id

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Generate creates a new unique job ID (a random UUID).
func Generate() string {
	return uuid.NewString()
}

// Correlation creates a correlation ID for one provider operation.
// KSUIDs sort by creation time, which keeps log searches readable.
func Correlation() string {
	return ksuid.New().String()
}
