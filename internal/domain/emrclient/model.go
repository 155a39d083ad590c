// Package emrclient holds the registry of EMR clients allowed to start links
// and refresh tokens, and the echo middleware that authenticates them.
package emrclient

import "time"

// Client is a registered EMR client. Records are immutable after provisioning.
type Client struct {
	ClientID    string    `json:"client_id"`
	SecretHash  string    `json:"-"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}
