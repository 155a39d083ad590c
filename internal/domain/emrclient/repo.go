package emrclient

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by repositories for an unknown client id.
	ErrNotFound = errors.New("emr client not found")
	// ErrDuplicate is returned when provisioning reuses an existing client id.
	ErrDuplicate = errors.New("emr client already exists")
)

// Repository defines the persistence interface for EMR clients.
type Repository interface {
	GetByClientID(ctx context.Context, clientID string) (*Client, error)
	Create(ctx context.Context, client *Client) error
	List(ctx context.Context) ([]*Client, error)
}
