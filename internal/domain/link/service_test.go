package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/link/internal/domain/audit"
	"github.com/ehr/link/internal/platform/hipaa"
	"github.com/ehr/link/internal/platform/idp"
	"github.com/ehr/link/internal/platform/lease"
	"github.com/ehr/link/internal/platform/pkce"
)

// fakeProvider binds each issued code to the challenge of the authorization
// request it answers, like a real provider would.
type fakeProvider struct {
	mu            sync.Mutex
	challenges    map[string]string
	lastChallenge string
	nextCode      int
	tokenSeq      int

	exchangeCalls int
	refreshCalls  int
	identityCalls int
	lastRefresh   string

	claims        *idp.Claims
	identity      *idp.Claims
	identityErr   error
	rejectRefresh bool
	rotate        bool
	expiresIn     int64

	refreshStarted chan struct{}
	refreshGate    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		challenges: make(map[string]string),
		claims:     &idp.Claims{Subject: "sub-1", Email: "patient@example.com"},
		expiresIn:  3600,
	}
}

func (p *fakeProvider) AuthorizationURL(state, challenge string) string {
	p.mu.Lock()
	p.lastChallenge = challenge
	p.mu.Unlock()
	q := url.Values{"state": {state}, "code_challenge": {challenge}, "code_challenge_method": {pkce.Method}}
	return "https://idp.test/authorize?" + q.Encode()
}

// authorize simulates the user approving the latest authorization request.
func (p *fakeProvider) authorize() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCode++
	code := fmt.Sprintf("code-%d", p.nextCode)
	p.challenges[code] = p.lastChallenge
	return code
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code, verifier string) (*idp.TokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeCalls++
	challenge, ok := p.challenges[code]
	if !ok || !pkce.Verify(verifier, challenge) {
		return nil, fmt.Errorf("%w: invalid_grant", idp.ErrExchangeFailed)
	}
	delete(p.challenges, code)
	return &idp.TokenResponse{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresIn:    p.expiresIn,
		Claims:       p.claims,
	}, nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*idp.TokenResponse, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.lastRefresh = refreshToken
	started, gate := p.refreshStarted, p.refreshGate
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectRefresh {
		return nil, fmt.Errorf("%w: invalid_grant", idp.ErrRefreshFailed)
	}
	p.tokenSeq++
	resp := &idp.TokenResponse{
		AccessToken:  fmt.Sprintf("refreshed-%d", p.tokenSeq),
		RefreshToken: refreshToken,
		ExpiresIn:    p.expiresIn,
	}
	if p.rotate {
		resp.RefreshToken = fmt.Sprintf("rotated-%d", p.tokenSeq)
	}
	return resp, nil
}

func (p *fakeProvider) FetchIdentity(_ context.Context, _ string) (*idp.Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identityCalls++
	if p.identityErr != nil {
		return nil, p.identityErr
	}
	return p.identity, nil
}

func (p *fakeProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type harness struct {
	mgr      *Manager
	store    *MemoryStore
	audit    *audit.MemoryLog
	provider *fakeProvider
	cipher   *hipaa.TokenEncryptor
	locker   *lease.MemoryLocker
	clock    *testClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := hipaa.NewTokenEncryptor(key)
	if err != nil {
		t.Fatalf("NewTokenEncryptor: %v", err)
	}

	h := &harness{
		store:    NewMemoryStore(),
		audit:    audit.NewMemoryLog(),
		provider: newFakeProvider(),
		cipher:   cipher,
		locker:   lease.NewMemoryLocker(),
		clock:    &testClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	opts = append([]Option{WithClock(h.clock.now)}, opts...)
	h.mgr = NewManager(h.store, h.audit, h.provider, h.cipher, h.locker, zerolog.Nop(), opts...)
	return h
}

func (h *harness) link(t *testing.T, patientID string) *LinkResult {
	t.Helper()
	ctx := context.Background()
	if _, err := h.mgr.StartLink(ctx, patientID, "client-a"); err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	res, err := h.mgr.CompleteLink(ctx, patientID, h.provider.authorize(), "client-a")
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	return res
}

// seed stores a linked record whose access token expires in ttl.
func (h *harness) seed(t *testing.T, patientID, access, refresh string, ttl time.Duration) Record {
	t.Helper()
	rec := Record{
		PatientID:     patientID,
		State:         StateLinked,
		IdentityID:    "patient@example.com",
		ExpiresAt:     h.clock.now().Add(ttl).Unix(),
		OwnerClientID: "client-a",
	}
	var err error
	if rec.AccessTokenCipher, err = h.cipher.Encrypt(access); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if refresh != "" {
		if rec.RefreshTokenCipher, err = h.cipher.Encrypt(refresh); err != nil {
			t.Fatalf("encrypt: %v", err)
		}
	}
	h.store.Put(rec)
	return rec
}

func (h *harness) record(t *testing.T, patientID string) *Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), patientID)
	if err != nil {
		t.Fatalf("Get(%s): %v", patientID, err)
	}
	return rec
}

func (h *harness) eventTypes(patientID string) []audit.EventType {
	var out []audit.EventType
	for _, ev := range h.audit.Events() {
		if ev.PatientID == patientID {
			out = append(out, ev.EventType)
		}
	}
	return out
}

func TestManager_StartLink(t *testing.T) {
	h := newHarness(t)
	redirect, err := h.mgr.StartLink(context.Background(), "p1", "client-a")
	if err != nil {
		t.Fatalf("StartLink: %v", err)
	}

	rec := h.record(t, "p1")
	if rec.State != StatePending || rec.PendingVerifier == "" || rec.OwnerClientID != "client-a" {
		t.Errorf("unexpected pending record %+v", rec)
	}

	u, _ := url.Parse(redirect)
	if u.Query().Get("state") != "p1" {
		t.Errorf("state = %q, want patient id", u.Query().Get("state"))
	}
	if !pkce.Verify(rec.PendingVerifier, u.Query().Get("code_challenge")) {
		t.Error("redirect challenge does not match stored verifier")
	}

	events := h.audit.Events()
	if len(events) != 1 || events[0].EventType != audit.LinkStarted || events[0].Metadata["method"] != "PKCE" {
		t.Errorf("unexpected audit events %+v", events)
	}
}

func TestManager_StartLinkRequiresPatientID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.StartLink(context.Background(), "", "client-a"); !errors.Is(err, ErrInvalidPatientID) {
		t.Errorf("expected ErrInvalidPatientID, got %v", err)
	}
}

func TestManager_StartLinkReplacesLinkedRecord(t *testing.T) {
	h := newHarness(t)
	h.link(t, "p1")

	if _, err := h.mgr.StartLink(context.Background(), "p1", "client-b"); err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	rec := h.record(t, "p1")
	if rec.State != StatePending || rec.AccessTokenCipher != "" || rec.ExpiresAt != 0 {
		t.Errorf("expected a clean pending record, got %+v", rec)
	}
	if _, err := h.mgr.GetValidAccessToken(context.Background(), "p1"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("pending record must not serve tokens, got %v", err)
	}
}

func TestManager_CompleteLinkRoundTrip(t *testing.T) {
	h := newHarness(t)
	res := h.link(t, "p1")

	if res.Status != "linked" || res.PatientID != "p1" || res.IdentityID != "patient@example.com" {
		t.Errorf("unexpected result %+v", res)
	}

	rec := h.record(t, "p1")
	if rec.State != StateLinked || rec.PendingVerifier != "" {
		t.Errorf("expected linked record without verifier, got %+v", rec)
	}
	if rec.AccessTokenCipher == "access-code-1" || rec.RefreshTokenCipher == "refresh-code-1" {
		t.Error("tokens stored in cleartext")
	}
	if want := h.clock.now().Unix() + 3600; rec.ExpiresAt != want {
		t.Errorf("ExpiresAt = %d, want %d", rec.ExpiresAt, want)
	}

	tok, err := h.mgr.GetValidAccessToken(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if tok != "access-code-1" {
		t.Errorf("token = %q, want the exchanged access token", tok)
	}
	if h.provider.refreshCount() != 0 {
		t.Error("fresh token must not trigger a refresh")
	}

	got := h.eventTypes("p1")
	if len(got) != 2 || got[0] != audit.LinkStarted || got[1] != audit.LinkCompleted {
		t.Errorf("unexpected audit trail %v", got)
	}
	completed := h.audit.Events()[1]
	if completed.Metadata["identityId"] != "patient@example.com" || completed.Metadata["expiresAt"] != rec.ExpiresAt {
		t.Errorf("unexpected LinkCompleted metadata %v", completed.Metadata)
	}
}

func TestManager_SecondStartLinkOrphansFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mgr.StartLink(ctx, "p1", "client-a")
	firstCode := h.provider.authorize()
	h.mgr.StartLink(ctx, "p1", "client-a")
	secondCode := h.provider.authorize()

	if _, err := h.mgr.CompleteLink(ctx, "p1", secondCode, "client-a"); err != nil {
		t.Fatalf("later verifier should complete: %v", err)
	}
	if _, err := h.mgr.CompleteLink(ctx, "p1", firstCode, "client-a"); !errors.Is(err, ErrMissingVerifier) {
		t.Errorf("earlier flow: expected ErrMissingVerifier, got %v", err)
	}
}

func TestManager_EarlierCodeCannotUseLaterVerifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mgr.StartLink(ctx, "p1", "client-a")
	firstCode := h.provider.authorize()
	h.mgr.StartLink(ctx, "p1", "client-a")
	secondCode := h.provider.authorize()

	if _, err := h.mgr.CompleteLink(ctx, "p1", firstCode, "client-a"); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected ErrExchangeFailed for orphaned code, got %v", err)
	}
	if _, err := h.mgr.CompleteLink(ctx, "p1", secondCode, "client-a"); err != nil {
		t.Errorf("later flow should still complete: %v", err)
	}
}

func TestManager_CompleteLinkWithoutPending(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.CompleteLink(context.Background(), "nobody", "code", "client-a"); !errors.Is(err, ErrMissingVerifier) {
		t.Errorf("expected ErrMissingVerifier, got %v", err)
	}
	if _, err := h.mgr.CompleteLink(context.Background(), "", "code", "client-a"); !errors.Is(err, ErrMissingVerifier) {
		t.Errorf("expected ErrMissingVerifier for empty state, got %v", err)
	}

	events := h.audit.Events()
	if len(events) != 1 || events[0].EventType != audit.LinkFailed || events[0].Metadata["reason"] != "missing_verifier" {
		t.Errorf("expected one LinkFailed event, got %+v", events)
	}
}

func TestManager_RejectedCodeKeepsVerifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mgr.StartLink(ctx, "p1", "client-a")
	before := h.record(t, "p1")
	code := h.provider.authorize()

	if _, err := h.mgr.CompleteLink(ctx, "p1", "forged-code", "client-a"); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected ErrExchangeFailed, got %v", err)
	}
	after := h.record(t, "p1")
	if after.State != StatePending || after.PendingVerifier != before.PendingVerifier {
		t.Errorf("rejected exchange altered the pending record: %+v", after)
	}

	// Browser retry with the real code and the same stored verifier.
	if _, err := h.mgr.CompleteLink(ctx, "p1", code, "client-a"); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}

	got := h.eventTypes("p1")
	want := []audit.EventType{audit.LinkStarted, audit.LinkFailed, audit.LinkCompleted}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("audit trail = %v, want %v", got, want)
	}
}

func TestManager_CompleteLinkIdentityFallback(t *testing.T) {
	h := newHarness(t)
	h.provider.claims = nil
	h.provider.identity = &idp.Claims{Subject: "only-sub"}

	res := h.link(t, "p1")
	if res.IdentityID != "only-sub" {
		t.Errorf("IdentityID = %q, want userinfo subject", res.IdentityID)
	}
	if h.provider.identityCalls != 1 {
		t.Errorf("expected one userinfo call, got %d", h.provider.identityCalls)
	}
}

func TestManager_CompleteLinkIdentityFromClaimsSkipsUserinfo(t *testing.T) {
	h := newHarness(t)
	h.link(t, "p1")
	if h.provider.identityCalls != 0 {
		t.Errorf("userinfo called although id_token claims were present")
	}
}

func TestManager_CompleteLinkIdentityLookupFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.claims = nil
	h.provider.identityErr = idp.ErrIdentityUnavailable

	res := h.link(t, "p1")
	if res.IdentityID != "" {
		t.Errorf("expected empty identity, got %q", res.IdentityID)
	}
	if h.record(t, "p1").State != StateLinked {
		t.Error("expected record to be linked despite identity lookup failure")
	}
}

func TestManager_RefreshThreshold(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		refresh bool
	}{
		{"1000s left", 1000 * time.Second, false},
		{"301s left", 301 * time.Second, false},
		{"300s left", 300 * time.Second, true},
		{"299s left", 299 * time.Second, true},
		{"100s left", 100 * time.Second, true},
		{"expired", -time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "p1", "stored-access", "stored-refresh", tt.ttl)

			tok, err := h.mgr.GetValidAccessToken(context.Background(), "p1")
			if err != nil {
				t.Fatalf("GetValidAccessToken: %v", err)
			}
			refreshed := h.provider.refreshCount() == 1
			if refreshed != tt.refresh {
				t.Fatalf("refreshed = %v, want %v", refreshed, tt.refresh)
			}
			if tt.refresh {
				if tok != "refreshed-1" {
					t.Errorf("token = %q, want refreshed-1", tok)
				}
				rec := h.record(t, "p1")
				if want := h.clock.now().Unix() + 3600; rec.ExpiresAt != want {
					t.Errorf("ExpiresAt = %d, want %d", rec.ExpiresAt, want)
				}
			} else if tok != "stored-access" {
				t.Errorf("token = %q, want stored-access", tok)
			}
		})
	}
}

func TestManager_RefreshSkewOption(t *testing.T) {
	h := newHarness(t, WithRefreshSkew(time.Minute))
	h.seed(t, "p1", "stored-access", "stored-refresh", 2*time.Minute)
	if tok, _ := h.mgr.GetValidAccessToken(context.Background(), "p1"); tok != "stored-access" {
		t.Errorf("token = %q, want stored-access under a 60s skew", tok)
	}
}

func TestManager_ConcurrentRefreshSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "stale-access", "refresh-1", 10*time.Second)
	h.provider.refreshStarted = make(chan struct{}, 1)
	h.provider.refreshGate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = h.mgr.GetValidAccessToken(context.Background(), "p1")
		}(i)
	}

	<-h.provider.refreshStarted
	time.Sleep(20 * time.Millisecond)
	close(h.provider.refreshGate)
	wg.Wait()

	if n := h.provider.refreshCount(); n != 1 {
		t.Fatalf("expected exactly one provider refresh, got %d", n)
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "refreshed-1" {
			t.Errorf("caller %d got %q, want refreshed-1", i, tokens[i])
		}
	}

	rec := h.record(t, "p1")
	if rec.ExpiresAt <= h.clock.now().Add(defaultRefreshSkew).Unix() {
		t.Errorf("stored expiry %d is not past the refresh threshold", rec.ExpiresAt)
	}
	refreshes := 0
	for _, et := range h.eventTypes("p1") {
		if et == audit.TokenRefreshed {
			refreshes++
		}
	}
	if refreshes != 1 {
		t.Errorf("expected one TokenRefreshed event, got %d", refreshes)
	}
}

func TestManager_ConcurrentRefreshAcrossManagers(t *testing.T) {
	// Two managers sharing store and locker behave like two replicas.
	h := newHarness(t)
	other := NewManager(h.store, h.audit, h.provider, h.cipher, h.locker, zerolog.Nop(), WithClock(h.clock.now))
	h.seed(t, "p1", "stale-access", "refresh-1", 10*time.Second)
	h.provider.refreshStarted = make(chan struct{}, 1)
	h.provider.refreshGate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, m := range []*Manager{h.mgr, other} {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			tok, err := m.GetValidAccessToken(context.Background(), "p1")
			if err != nil {
				t.Errorf("manager %d: %v", i, err)
			}
			results[i] = tok
		}(i, m)
	}

	<-h.provider.refreshStarted
	time.Sleep(20 * time.Millisecond)
	close(h.provider.refreshGate)
	wg.Wait()

	if n := h.provider.refreshCount(); n != 1 {
		t.Fatalf("expected exactly one provider refresh, got %d", n)
	}
	if results[0] != results[1] {
		t.Errorf("managers returned different tokens: %v", results)
	}
}

func TestManager_RefreshContinuesAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "stale-access", "refresh-1", 10*time.Second)
	h.provider.refreshStarted = make(chan struct{}, 1)
	h.provider.refreshGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.GetValidAccessToken(ctx, "p1")
		done <- err
	}()

	<-h.provider.refreshStarted
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(h.provider.refreshGate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		tok, err := h.cipher.Decrypt(h.record(t, "p1").AccessTokenCipher)
		if err == nil && tok == "refreshed-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned refresh was not persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_RefreshRejected(t *testing.T) {
	h := newHarness(t)
	before := h.seed(t, "p1", "stale-access", "revoked-refresh", -time.Minute)
	h.provider.rejectRefresh = true

	_, err := h.mgr.GetValidAccessToken(context.Background(), "p1")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	after := h.record(t, "p1")
	if after.AccessTokenCipher != before.AccessTokenCipher || after.RefreshTokenCipher != before.RefreshTokenCipher || after.ExpiresAt != before.ExpiresAt {
		t.Error("rejected refresh must not write")
	}

	events := h.audit.Events()
	if len(events) != 1 || events[0].EventType != audit.LinkFailed || events[0].Metadata["stage"] != "refresh" {
		t.Errorf("expected one LinkFailed{stage:refresh}, got %+v", events)
	}
}

func TestManager_NoRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "stale-access", "", -time.Minute)

	if _, err := h.mgr.GetValidAccessToken(context.Background(), "p1"); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("expected ErrNoRefreshToken, got %v", err)
	}
	if h.provider.refreshCount() != 0 {
		t.Error("provider must not be called without a refresh token")
	}
}

func TestManager_NotLinked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.GetValidAccessToken(ctx, "nobody"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("GetValidAccessToken: expected ErrNotLinked, got %v", err)
	}
	if err := h.mgr.ManualRefresh(ctx, "nobody", "client-a"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("ManualRefresh: expected ErrNotLinked, got %v", err)
	}
	if _, err := h.mgr.Status(ctx, "nobody"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("Status: expected ErrNotLinked, got %v", err)
	}
	if len(h.audit.Events()) != 0 {
		t.Error("reads of unlinked ids must not be audited")
	}
}

func TestManager_RefreshTokenReuseAndRotation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "access", "refresh-1", -time.Minute)

	if _, err := h.mgr.GetValidAccessToken(context.Background(), "p1"); err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	rt, _ := h.cipher.Decrypt(h.record(t, "p1").RefreshTokenCipher)
	if rt != "refresh-1" {
		t.Errorf("expected refresh token to be reused, got %q", rt)
	}

	h.provider.rotate = true
	if err := h.mgr.ManualRefresh(context.Background(), "p1", "client-b"); err != nil {
		t.Fatalf("ManualRefresh: %v", err)
	}
	rec := h.record(t, "p1")
	rt, _ = h.cipher.Decrypt(rec.RefreshTokenCipher)
	if rt != "rotated-2" {
		t.Errorf("expected rotated refresh token, got %q", rt)
	}
	if h.provider.lastRefresh != "refresh-1" {
		t.Errorf("provider received %q, want the stored refresh token", h.provider.lastRefresh)
	}
	if rec.OwnerClientID != "client-b" {
		t.Errorf("OwnerClientID = %q, want client-b", rec.OwnerClientID)
	}
}

func TestManager_ManualRefreshAlwaysCallsProvider(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "access", "refresh-1", 2*time.Hour)

	if err := h.mgr.ManualRefresh(context.Background(), "p1", "client-a"); err != nil {
		t.Fatalf("ManualRefresh: %v", err)
	}
	if h.provider.refreshCount() != 1 {
		t.Errorf("expected a provider round trip, got %d", h.provider.refreshCount())
	}
	ev := h.audit.Events()[0]
	if ev.EventType != audit.TokenRefreshed || ev.Metadata["trigger"] != "manual" || *ev.ClientID != "client-a" {
		t.Errorf("unexpected audit event %+v", ev)
	}
}

func TestManager_ConcurrentManualRefreshPerClient(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "access", "refresh-1", 2*time.Hour)
	h.provider.refreshStarted = make(chan struct{}, 1)
	h.provider.refreshGate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.mgr.ManualRefresh(context.Background(), "p1", "client-a")
	}()
	<-h.provider.refreshStarted

	// client-b arrives while client-a's rotation is in flight.
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = h.mgr.ManualRefresh(context.Background(), "p1", "client-b")
	}()
	time.Sleep(20 * time.Millisecond)
	close(h.provider.refreshGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := h.provider.refreshCount(); n != 2 {
		t.Errorf("expected one rotation per client, got %d", n)
	}
	seen := map[string]bool{}
	for _, ev := range h.audit.Events() {
		if ev.EventType == audit.TokenRefreshed && ev.ClientID != nil {
			seen[*ev.ClientID] = true
		}
	}
	if !seen["client-a"] || !seen["client-b"] {
		t.Errorf("expected refresh events for both clients, got %v", seen)
	}
	if owner := h.record(t, "p1").OwnerClientID; owner != "client-b" {
		t.Errorf("expected the later rotation to own the record, got %q", owner)
	}
}

func TestManager_ExpiryNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	before := h.seed(t, "p1", "access", "refresh-1", 2*time.Hour)
	h.provider.expiresIn = 60

	if err := h.mgr.ManualRefresh(context.Background(), "p1", "client-a"); err != nil {
		t.Fatalf("ManualRefresh: %v", err)
	}
	if got := h.record(t, "p1").ExpiresAt; got != before.ExpiresAt {
		t.Errorf("ExpiresAt moved from %d to %d", before.ExpiresAt, got)
	}
}

func TestManager_Status(t *testing.T) {
	h := newHarness(t)
	h.link(t, "p1")

	view, err := h.mgr.Status(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.State != StateLinked || view.AccessToken != "access-code-1" || view.RefreshToken != "refresh-code-1" {
		t.Errorf("unexpected view %+v", view)
	}
	if view.IdentityID != "patient@example.com" || view.OwnerClientID != "client-a" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestManager_StatusPending(t *testing.T) {
	h := newHarness(t)
	h.mgr.StartLink(context.Background(), "p1", "client-a")

	view, err := h.mgr.Status(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.State != StatePending || view.AccessToken != "" {
		t.Errorf("unexpected pending view %+v", view)
	}
}

func TestManager_StatusCorruptedCipher(t *testing.T) {
	for _, field := range []string{"access", "refresh"} {
		t.Run(field, func(t *testing.T) {
			h := newHarness(t)
			rec := h.seed(t, "p1", "access", "refresh", time.Hour)
			if field == "access" {
				rec.AccessTokenCipher = "Zm9yZ2VkLWNpcGhlcnRleHQtdGhhdC1pcy1sb25nLWVub3VnaA=="
			} else {
				rec.RefreshTokenCipher = "not base64 at all"
			}
			h.store.Put(rec)
			eventsBefore := len(h.audit.Events())

			_, err := h.mgr.Status(context.Background(), "p1")
			if !errors.Is(err, ErrDecryption) {
				t.Fatalf("expected ErrDecryption, got %v", err)
			}
			if got := *h.record(t, "p1"); got != rec {
				t.Errorf("Status mutated the record: %+v", got)
			}
			if len(h.audit.Events()) != eventsBefore {
				t.Error("read failures must not be audited")
			}
		})
	}
}

func TestManager_GetValidAccessTokenCorrupted(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, "p1", "access", "refresh", time.Hour)
	rec.AccessTokenCipher = "AAAA"
	h.store.Put(rec)

	if _, err := h.mgr.GetValidAccessToken(context.Background(), "p1"); !errors.Is(err, ErrDecryption) {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
	if h.provider.refreshCount() != 0 {
		t.Error("decryption failure on the read path must not trigger a refresh")
	}
}

type failingLog struct{ audit.MemoryLog }

func (*failingLog) Append(context.Context, *audit.Event) error {
	return errors.New("audit store down")
}

func TestManager_AuditFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.mgr = NewManager(h.store, &failingLog{}, h.provider, h.cipher, h.locker, zerolog.Nop(), WithClock(h.clock.now))

	res := h.link(t, "p1")
	if res.Status != "linked" {
		t.Errorf("unexpected result %+v", res)
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) Update(context.Context, string, Fields) error {
	return errors.New("write timeout")
}

func TestManager_RefreshStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "access", "refresh-1", -time.Minute)
	mgr := NewManager(failingStore{h.store}, h.audit, h.provider, h.cipher, h.locker, zerolog.Nop(), WithClock(h.clock.now))

	_, err := mgr.GetValidAccessToken(context.Background(), "p1")
	if err == nil || errors.Is(err, ErrRefreshFailed) {
		t.Errorf("expected a store error, got %v", err)
	}
	events := h.audit.Events()
	if len(events) != 1 || events[0].Metadata["reason"] != "store_error" {
		t.Errorf("expected LinkFailed{reason:store_error}, got %+v", events)
	}
}

func TestManager_LeaseTimeout(t *testing.T) {
	h := newHarness(t, WithLeaseWait(20*time.Millisecond))
	h.seed(t, "p1", "access", "refresh-1", -time.Minute)

	release, err := h.locker.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if _, err := h.mgr.GetValidAccessToken(context.Background(), "p1"); !errors.Is(err, lease.ErrNotAcquired) {
		t.Errorf("expected lease.ErrNotAcquired, got %v", err)
	}
}

func TestManager_LogsOnRequestLogger(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).With().Str("request_id", "rid-7").Logger().WithContext(context.Background())

	if _, err := h.mgr.StartLink(ctx, "p1", "client-a"); err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"request_id":"rid-7"`) || !strings.Contains(out, `"component":"link"`) {
		t.Errorf("expected link started on the request logger, got %q", out)
	}
}
