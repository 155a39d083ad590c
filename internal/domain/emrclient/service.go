package emrclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for any missing, unknown or mismatched credential.
var ErrUnauthorized = errors.New("unauthorized")

// Comparator checks a secret against its stored hash.
type Comparator func(hash, secret []byte) error

// Authenticator verifies EMR client credentials against a Repository.
type Authenticator struct {
	repo      Repository
	compare   Comparator
	cost      int
	dummyHash []byte
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithComparator replaces bcrypt.CompareHashAndPassword.
func WithComparator(fn Comparator) Option {
	return func(a *Authenticator) { a.compare = fn }
}

// WithBcryptCost sets the cost used for new hashes and the dummy hash.
func WithBcryptCost(cost int) Option {
	return func(a *Authenticator) { a.cost = cost }
}

// NewAuthenticator creates an Authenticator. The dummy hash compared against
// for unknown client ids is generated at the configured cost so both paths
// do the same amount of work.
func NewAuthenticator(repo Repository, logger zerolog.Logger, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		repo:    repo,
		compare: bcrypt.CompareHashAndPassword,
		cost:    bcrypt.DefaultCost,
		logger:  logger.With().Str("component", "emrclient").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cost < bcrypt.MinCost || a.cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", a.cost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), a.cost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	a.dummyHash = dummy
	return a, nil
}

// Authenticate returns the client registered under clientID if secret matches.
// Unknown ids and wrong secrets both cost exactly one hash comparison.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	if clientID == "" || secret == "" {
		return nil, ErrUnauthorized
	}

	client, err := a.repo.GetByClientID(ctx, clientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup emr client: %w", err)
	}

	hash := a.dummyHash
	if client != nil {
		hash = []byte(client.SecretHash)
	}
	cmpErr := a.compare(hash, []byte(secret))

	if client == nil || cmpErr != nil {
		a.logger.Warn().Str("client_id", clientID).Msg("emr client authentication failed")
		return nil, ErrUnauthorized
	}
	return client, nil
}

// Provision registers a new client and returns it along with its plaintext
// secret. The secret is not recoverable afterwards.
func (a *Authenticator) Provision(ctx context.Context, displayName string) (*Client, string, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, "", fmt.Errorf("display name is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	client := &Client{
		ClientID:    uuid.NewString(),
		SecretHash:  string(hash),
		DisplayName: displayName,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.repo.Create(ctx, client); err != nil {
		return nil, "", err
	}
	a.logger.Info().Str("client_id", client.ClientID).Str("display_name", displayName).Msg("emr client provisioned")
	return client, secret, nil
}

// List returns all registered clients.
func (a *Authenticator) List(ctx context.Context) ([]*Client, error) {
	return a.repo.List(ctx)
}
