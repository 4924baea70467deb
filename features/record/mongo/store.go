// Package mongo wires the record.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/skeinlabs/skein/features/record/mongo/clients/mongo"
	"github.com/skeinlabs/skein/runtime/record"
)

// Store implements record.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed wire record store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements record.Store.
func (s *Store) Append(ctx context.Context, e *record.Entry) error {
	return s.client.Append(ctx, e)
}

// List implements record.Store.
func (s *Store) List(ctx context.Context, sessionID string, cursor string, limit int) (record.Page, error) {
	return s.client.List(ctx, sessionID, cursor, limit)
}
