package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewTaskInstanceID generates the UUID that identifies one task instance attempt.
func NewTaskInstanceID() uuid.UUID {
	return uuid.New()
}

// NewRunID builds a run id of the form "<runType>__<timestamp>_<ulid>".
func NewRunID(runType string, at time.Time) string {
	return runType + "__" + at.UTC().Format(time.RFC3339) + "_" + NewID()
}
