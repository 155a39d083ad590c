package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/link/internal/domain/audit"
	"github.com/ehr/link/internal/platform/idp"
	"github.com/ehr/link/internal/platform/lease"
	"github.com/ehr/link/internal/platform/pkce"
)

const (
	defaultRefreshSkew = 300 * time.Second
	defaultLeaseWait   = 30 * time.Second
)

// IdentityProvider is the provider-facing side of the link flow.
// *idp.Client implements it.
type IdentityProvider interface {
	AuthorizationURL(state, challenge string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*idp.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
	FetchIdentity(ctx context.Context, accessToken string) (*idp.Claims, error)
}

// Cipher encrypts tokens at rest. *hipaa.TokenEncryptor and
// *hipaa.RotatingEncryptor implement it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Manager runs the link state machine: pending on StartLink, linked on
// CompleteLink, and linked with a new expiry on every refresh. All operations
// on one patient id are serialized through the lease locker; refreshes for
// the same id are additionally collapsed so the provider sees one request.
type Manager struct {
	store    Store
	audit    audit.Log
	provider IdentityProvider
	cipher   Cipher
	locker   lease.Locker
	group    singleflight.Group

	logger    zerolog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	skew      time.Duration
	leaseWait time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRefreshSkew sets how long before expiry a stored token stops being served.
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLeaseWait bounds how long a refresh waits for another holder of the lease.
func WithLeaseWait(d time.Duration) Option {
	return func(m *Manager) { m.leaseWait = d }
}

func NewManager(store Store, log audit.Log, provider IdentityProvider, cipher Cipher, locker lease.Locker, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		audit:     log,
		provider:  provider,
		cipher:    cipher,
		locker:    locker,
		logger:    logger.With().Str("component", "link").Logger(),
		tracer:    otel.Tracer("github.com/ehr/link/internal/domain/link"),
		now:       time.Now,
		skew:      defaultRefreshSkew,
		leaseWait: defaultLeaseWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartLink stores a pending record for patientID, replacing any previous
// record, and returns the provider authorization URL. The patient id doubles
// as the OAuth state.
func (m *Manager) StartLink(ctx context.Context, patientID, clientID string) (string, error) {
	if patientID == "" {
		return "", ErrInvalidPatientID
	}

	pair, err := pkce.Generate()
	if err != nil {
		return "", fmt.Errorf("generate pkce pair: %w", err)
	}

	release, err := m.locker.Acquire(ctx, patientID)
	if err != nil {
		return "", err
	}
	defer release()

	rec := &Record{
		PatientID:       patientID,
		State:           StatePending,
		PendingVerifier: pair.Verifier,
		OwnerClientID:   clientID,
	}
	if err := m.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		m.metrics.operation("start", err)
		m.fail(ctx, patientID, clientID, "start", "store_error")
		return "", fmt.Errorf("store pending link: %w", err)
	}

	m.emit(ctx, audit.LinkStarted, patientID, clientID, map[string]any{"method": "PKCE"})
	m.metrics.operation("start", nil)
	m.log(ctx).Info().Str("patient_id", patientID).Str("client_id", clientID).Msg("link started")
	return m.provider.AuthorizationURL(patientID, pair.Challenge), nil
}

// CompleteLink exchanges the provider code for the pending link named by
// state. A rejected exchange leaves the pending record untouched so the same
// verifier can complete a retried callback.
func (m *Manager) CompleteLink(ctx context.Context, state, code, clientID string) (*LinkResult, error) {
	patientID := state
	if patientID == "" {
		return nil, ErrMissingVerifier
	}

	release, err := m.locker.Acquire(ctx, patientID)
	if err != nil {
		return nil, err
	}
	defer release()

	// The exchange consumes the code at the provider; finish it even if the
	// caller goes away.
	work := context.WithoutCancel(ctx)

	rec, err := m.store.Get(work, patientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.metrics.operation("complete", err)
		return nil, fmt.Errorf("load link record: %w", err)
	}
	if rec == nil || rec.State != StatePending || rec.PendingVerifier == "" {
		m.metrics.operation("complete", ErrMissingVerifier)
		m.fail(work, patientID, clientID, "callback", "missing_verifier")
		return nil, ErrMissingVerifier
	}

	resp, err := m.provider.ExchangeCode(work, code, rec.PendingVerifier)
	m.metrics.providerCall("exchange", err)
	if err != nil {
		if !errors.Is(err, ErrExchangeFailed) {
			err = fmt.Errorf("%w: %v", ErrExchangeFailed, err)
		}
		m.metrics.operation("complete", err)
		m.log(ctx).Warn().Err(err).Str("patient_id", patientID).Msg("authorization code exchange failed")
		m.fail(work, patientID, clientID, "exchange", "provider_rejected")
		return nil, err
	}

	identityID := m.resolveIdentity(work, patientID, resp)

	accessCipher, refreshCipher, err := m.encryptPair(resp.AccessToken, resp.RefreshToken)
	if err != nil {
		m.metrics.operation("complete", err)
		m.fail(work, patientID, clientID, "exchange", "encryption")
		return nil, err
	}

	expiresAt := m.now().Unix() + resp.ExpiresIn
	linked := &Record{
		PatientID:          patientID,
		State:              StateLinked,
		IdentityID:         identityID,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		ExpiresAt:          expiresAt,
		OwnerClientID:      clientID,
		CreatedAt:          rec.CreatedAt,
	}
	if err := m.store.Upsert(work, linked); err != nil {
		m.metrics.operation("complete", err)
		m.log(ctx).Error().Err(err).Str("patient_id", patientID).Msg("exchanged tokens could not be persisted")
		m.fail(work, patientID, clientID, "exchange", "store_error")
		return nil, fmt.Errorf("store linked record: %w", err)
	}

	m.emit(work, audit.LinkCompleted, patientID, clientID, map[string]any{
		"identityId": identityID,
		"expiresAt":  expiresAt,
	})
	m.metrics.operation("complete", nil)
	m.log(ctx).Info().Str("patient_id", patientID).Str("client_id", clientID).Int64("expires_at", expiresAt).Msg("link completed")

	return &LinkResult{Status: "linked", PatientID: patientID, IdentityID: identityID}, nil
}

// GetValidAccessToken returns a plaintext access token for patientID that
// stays valid for at least the refresh skew, refreshing it first if needed.
func (m *Manager) GetValidAccessToken(ctx context.Context, patientID string) (string, error) {
	rec, err := m.loadLinked(ctx, patientID)
	if err != nil {
		return "", err
	}
	if tok, ok, err := m.fresh(rec); ok || err != nil {
		return tok, err
	}
	return m.refreshShared(ctx, "refresh:"+patientID, patientID, "", false)
}

// ManualRefresh rotates the stored tokens regardless of remaining validity.
func (m *Manager) ManualRefresh(ctx context.Context, patientID, clientID string) error {
	if _, err := m.loadLinked(ctx, patientID); err != nil {
		return err
	}
	// Each client gets its own rotation so the audit trail and ownership
	// name every caller; they still serialize on the lease.
	_, err := m.refreshShared(ctx, "rotate:"+patientID+"\x00"+clientID, patientID, clientID, true)
	return err
}

// Status returns the decrypted view of the record. It never writes.
func (m *Manager) Status(ctx context.Context, patientID string) (*StatusView, error) {
	rec, err := m.store.Get(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotLinked
		}
		return nil, fmt.Errorf("load link record: %w", err)
	}

	view := &StatusView{
		PatientID:     rec.PatientID,
		State:         rec.State,
		IdentityID:    rec.IdentityID,
		ExpiresAt:     rec.ExpiresAt,
		OwnerClientID: rec.OwnerClientID,
	}

	var accessErr, refreshErr error
	if rec.AccessTokenCipher != "" {
		if view.AccessToken, accessErr = m.cipher.Decrypt(rec.AccessTokenCipher); accessErr != nil {
			accessErr = fmt.Errorf("access token: %w", accessErr)
		}
	}
	if rec.RefreshTokenCipher != "" {
		if view.RefreshToken, refreshErr = m.cipher.Decrypt(rec.RefreshTokenCipher); refreshErr != nil {
			refreshErr = fmt.Errorf("refresh token: %w", refreshErr)
		}
	}
	if err := errors.Join(accessErr, refreshErr); err != nil {
		m.log(ctx).Error().Err(err).Str("patient_id", patientID).Msg("stored token could not be decrypted")
		return nil, err
	}
	return view, nil
}

// refreshShared collapses concurrent refreshes under key into one flight.
// The flight runs detached from ctx; an abandoning caller stops waiting but
// the refresh still completes.
func (m *Manager) refreshShared(ctx context.Context, key, patientID, clientID string, force bool) (string, error) {
	ch := m.group.DoChan(key, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), patientID, clientID, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, patientID, clientID string, force bool) (tok string, err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "link.refresh", trace.WithAttributes(attribute.Bool("link.forced", force)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.observeRefresh(start)
		m.metrics.operation("refresh", err)
	}()

	lctx, cancel := context.WithTimeout(ctx, m.leaseWait)
	release, err := m.locker.Acquire(lctx, patientID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("acquire refresh lease: %w", err)
	}
	defer release()

	// Another holder of the lease may have refreshed already.
	rec, err := m.loadLinked(ctx, patientID)
	if err != nil {
		return "", err
	}
	if !force {
		if tok, ok, err := m.fresh(rec); ok || err != nil {
			span.SetAttributes(attribute.Bool("link.collapsed", true))
			return tok, err
		}
	}

	if rec.RefreshTokenCipher == "" {
		m.fail(ctx, patientID, clientID, "refresh", "no_refresh_token")
		return "", ErrNoRefreshToken
	}
	refreshToken, err := m.cipher.Decrypt(rec.RefreshTokenCipher)
	if err != nil {
		m.fail(ctx, patientID, clientID, "refresh", "decryption")
		return "", fmt.Errorf("refresh token: %w", err)
	}

	resp, err := m.provider.Refresh(ctx, refreshToken)
	m.metrics.providerCall("refresh", err)
	if err != nil {
		if !errors.Is(err, ErrRefreshFailed) {
			err = fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		m.log(ctx).Warn().Err(err).Str("patient_id", patientID).Msg("token refresh rejected")
		m.fail(ctx, patientID, clientID, "refresh", "provider_rejected")
		return "", err
	}

	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	accessCipher, refreshCipher, err := m.encryptPair(resp.AccessToken, newRefresh)
	if err != nil {
		m.fail(ctx, patientID, clientID, "refresh", "encryption")
		return "", err
	}

	expiresAt := max(m.now().Unix()+resp.ExpiresIn, rec.ExpiresAt)
	fields := Fields{
		AccessTokenCipher:  &accessCipher,
		RefreshTokenCipher: &refreshCipher,
		ExpiresAt:          &expiresAt,
	}
	if clientID != "" {
		fields.OwnerClientID = &clientID
	}
	if err := m.store.Update(ctx, patientID, fields); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Re-linked between the read and the write.
			return "", ErrNotLinked
		}
		m.log(ctx).Error().Err(err).Str("patient_id", patientID).Msg("refreshed tokens could not be persisted")
		m.fail(ctx, patientID, clientID, "refresh", "store_error")
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}

	trigger := "on_demand"
	if force {
		trigger = "manual"
	}
	m.emit(ctx, audit.TokenRefreshed, patientID, clientID, map[string]any{
		"expiresAt": expiresAt,
		"rotated":   newRefresh != refreshToken,
		"trigger":   trigger,
	})
	m.log(ctx).Info().Str("patient_id", patientID).Str("trigger", trigger).Int64("expires_at", expiresAt).Msg("token refreshed")
	return resp.AccessToken, nil
}

func (m *Manager) loadLinked(ctx context.Context, patientID string) (*Record, error) {
	if patientID == "" {
		return nil, ErrInvalidPatientID
	}
	rec, err := m.store.Get(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotLinked
		}
		return nil, fmt.Errorf("load link record: %w", err)
	}
	if rec.State != StateLinked {
		return nil, ErrNotLinked
	}
	return rec, nil
}

// fresh returns the stored access token when it outlives the refresh skew.
func (m *Manager) fresh(rec *Record) (string, bool, error) {
	if rec.AccessTokenCipher == "" || rec.ExpiresAt <= m.now().Add(m.skew).Unix() {
		return "", false, nil
	}
	tok, err := m.cipher.Decrypt(rec.AccessTokenCipher)
	if err != nil {
		return "", true, fmt.Errorf("access token: %w", err)
	}
	return tok, true, nil
}

func (m *Manager) encryptPair(access, refresh string) (string, string, error) {
	accessCipher, err := m.cipher.Encrypt(access)
	if err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	if refresh == "" {
		return accessCipher, "", nil
	}
	refreshCipher, err := m.cipher.Encrypt(refresh)
	if err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return accessCipher, refreshCipher, nil
}

// resolveIdentity prefers id_token claims and falls back to userinfo. A
// failed lookup links the account without an identity id.
func (m *Manager) resolveIdentity(ctx context.Context, patientID string, resp *idp.TokenResponse) string {
	if id := resp.Claims.IdentityID(); id != "" {
		return id
	}
	claims, err := m.provider.FetchIdentity(ctx, resp.AccessToken)
	m.metrics.providerCall("userinfo", err)
	if err != nil {
		m.log(ctx).Warn().Err(err).Str("patient_id", patientID).Msg("identity lookup failed; linking without identity id")
		return ""
	}
	return claims.IdentityID()
}

// log returns the request logger from ctx, tagged with the component, or the
// manager's own logger when ctx carries none.
func (m *Manager) log(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &m.logger
	}
	scoped := l.With().Str("component", "link").Logger()
	return &scoped
}

func (m *Manager) fail(ctx context.Context, patientID, clientID, stage, reason string) {
	m.emit(ctx, audit.LinkFailed, patientID, clientID, map[string]any{"stage": stage, "reason": reason})
}

// emit appends an audit event. The transition it describes is already
// durable, so a failed append is logged and not returned.
func (m *Manager) emit(ctx context.Context, eventType audit.EventType, patientID, clientID string, metadata map[string]any) {
	ev := audit.NewEvent(eventType, patientID, clientID, metadata, m.now())
	if err := m.audit.Append(context.WithoutCancel(ctx), ev); err != nil {
		m.log(ctx).Error().Err(err).
			Str("event_type", string(eventType)).
			Str("patient_id", patientID).
			Msg("audit append failed")
	}
}
