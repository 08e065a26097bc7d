// Package store persists enrolled ReferenceSets. PostgreSQL (pgvector) is the
// primary backend; a SQLite file serves single-machine and offline gates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// ErrNotFound is returned when a passenger id has no enrollment.
var ErrNotFound = errors.New("passenger not found")

// Passenger summarises one enrollment without loading its descriptors.
type Passenger struct {
	ID        string    `json:"passenger_id"`
	Label     string    `json:"label,omitempty"`
	Samples   int       `json:"samples"`
	Deferred  bool      `json:"deferred"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository stores one ReferenceSet per passenger.
type Repository interface {
	// Save replaces the passenger's references. An existing label is kept.
	Save(ctx context.Context, set *types.ReferenceSet) error
	// Load returns the passenger's set, or an error wrapping both ErrNotFound
	// and types.ErrNoReference.
	Load(ctx context.Context, passengerID string) (*types.ReferenceSet, error)
	Delete(ctx context.Context, passengerID string) error
	List(ctx context.Context) ([]Passenger, error)
	Label(ctx context.Context, passengerID, label string) error
	// All loads every enrolled set, for building the identification gallery.
	All(ctx context.Context) ([]*types.ReferenceSet, error)
	// Reset drops all enrollments and recreates the schema.
	Reset(ctx context.Context) error
	Close() error
}

// Open picks PostgreSQL when databaseURL is set, otherwise the SQLite file at sqlitePath.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Repository, error) {
	if databaseURL != "" {
		return NewPostgres(ctx, databaseURL)
	}
	return NewSQLite(sqlitePath)
}

func notFound(passengerID string) error {
	return &notFoundError{id: passengerID}
}

type notFoundError struct{ id string }

func (e *notFoundError) Error() string { return "passenger " + e.id + " not enrolled" }

func (e *notFoundError) Is(target error) bool {
	return target == ErrNotFound || target == types.ErrNoReference
}

// buildSet turns stored rows back into a ReferenceSet. Rows without
// descriptors make a deferred set.
func buildSet(passengerID string, descs []types.FaceDescriptor, images [][]byte) *types.ReferenceSet {
	if len(descs) > 0 {
		return types.NewReferenceSet(passengerID, descs)
	}
	return types.NewDeferredReferenceSet(passengerID, images)
}
