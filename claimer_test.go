package main

import (
	"errors"
	"testing"
	"time"
)

type memStore struct {
	session *Session
	saves   int
	loadErr error
	saveErr error
}

func (m *memStore) Load() (*Session, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.session, nil
}

func (m *memStore) Save(s *Session) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	copied := *s
	m.session = &copied
	return nil
}

// fakeAccount wires each endpoint to an optional function; missing ones
// fail, which keeps each test explicit about what it expects to be called.
type fakeAccount struct {
	refresh func(string) (*TokenResponse, error)
	verify  func(string) (*AccountInfo, error)
	start   func() (*DeviceAuth, error)
	poll    func(string, int, int) (*TokenResponse, error)
	owned   func(string, string) (*OwnedSet, error)
}

var errNotWired = errors.New("endpoint not wired in this test")

func (f *fakeAccount) RefreshToken(rt string) (*TokenResponse, error) {
	if f.refresh == nil {
		return nil, errNotWired
	}
	return f.refresh(rt)
}

func (f *fakeAccount) VerifyToken(at string) (*AccountInfo, error) {
	if f.verify == nil {
		return nil, errNotWired
	}
	return f.verify(at)
}

func (f *fakeAccount) StartDeviceAuth() (*DeviceAuth, error) {
	if f.start == nil {
		return nil, errNotWired
	}
	return f.start()
}

func (f *fakeAccount) PollDeviceAuth(code string, interval, max int) (*TokenResponse, error) {
	if f.poll == nil {
		return nil, errNotWired
	}
	return f.poll(code, interval, max)
}

func (f *fakeAccount) Owned(at, acc string) (*OwnedSet, error) {
	if f.owned == nil {
		return nil, errNotWired
	}
	return f.owned(at, acc)
}

type fakeOffers struct {
	offers []Offer
	err    error
}

func (f *fakeOffers) FreeOffers() ([]Offer, error) { return f.offers, f.err }

type fakeFlow struct {
	outcomes map[string]ClaimOutcome
	err      error
	claims   []string
}

func (f *fakeFlow) Claim(offer Offer, sess *Session) (ClaimOutcome, error) {
	if sess == nil || sess.AccessToken == "" {
		return OutcomeFailed, errors.New("claim without a session")
	}
	f.claims = append(f.claims, offer.Title)
	if f.err != nil {
		return OutcomeFailed, f.err
	}
	return f.outcomes[offer.Title], nil
}

func claimerConfig() *Config {
	cfg := DefaultConfig()
	cfg.VerifyAttempts = 2
	cfg.VerifyDelaySec = 0
	cfg.ClaimDelaySec = 0
	return cfg
}

func liveSession() *Session {
	return &Session{
		AccessToken:      "eg1~live",
		RefreshToken:     "ref",
		AccountID:        "acc-1",
		DisplayName:      "player",
		ExpiresAt:        time.Now().Add(time.Hour),
		RefreshExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

func ownedSet(namespaces ...string) *OwnedSet {
	set := &OwnedSet{IDs: map[string]struct{}{}, Namespaces: map[string]struct{}{}}
	for _, ns := range namespaces {
		set.Namespaces[ns] = struct{}{}
	}
	return set
}

func TestAuthenticateStoredSession(t *testing.T) {
	store := &memStore{session: liveSession()}
	c := NewClaimer(claimerConfig(), store, &fakeAccount{}, &fakeOffers{}, &fakeFlow{})

	if err := c.Authenticate(); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if store.saves != 0 {
		t.Error("a valid stored session should not be re-saved")
	}
}

func TestAuthenticateRefreshes(t *testing.T) {
	expired := liveSession()
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	store := &memStore{session: expired}

	account := &fakeAccount{
		refresh: func(rt string) (*TokenResponse, error) {
			if rt != "ref" {
				t.Errorf("refresh called with %q", rt)
			}
			return &TokenResponse{
				AccessToken:    "eg1~fresh",
				RefreshToken:   "ref-2",
				ExpiresIn:      7200,
				RefreshExpires: 28800,
			}, nil
		},
	}

	c := NewClaimer(claimerConfig(), store, account, &fakeOffers{}, &fakeFlow{})
	if err := c.Authenticate(); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if store.saves != 1 {
		t.Errorf("refreshed session saved %d times, want 1", store.saves)
	}
	if store.session.AccessToken != "eg1~fresh" {
		t.Error("saved session should carry the refreshed token")
	}
}

func TestAuthenticateFallbackEG1(t *testing.T) {
	cfg := claimerConfig()
	cfg.FallbackEG1 = fakeEG1(t, map[string]any{
		"sub": "acc-7",
		"dn":  "fallback",
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	})

	store := &memStore{}
	account := &fakeAccount{
		verify: func(at string) (*AccountInfo, error) {
			return &AccountInfo{AccountID: "acc-7", DisplayName: "fallback"}, nil
		},
	}

	c := NewClaimer(cfg, store, account, &fakeOffers{}, &fakeFlow{})
	if err := c.Authenticate(); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if store.session == nil || store.session.AccountID != "acc-7" {
		t.Errorf("session from EG1 token not saved: %+v", store.session)
	}
}

func TestAuthenticateDeviceAuth(t *testing.T) {
	store := &memStore{}
	account := &fakeAccount{
		start: func() (*DeviceAuth, error) {
			return &DeviceAuth{
				DeviceCode:              "dev-1",
				UserCode:                "CODE",
				VerificationURIComplete: "https://example.com/activate",
				ExpiresIn:               600,
				Interval:                5,
			}, nil
		},
		poll: func(code string, interval, max int) (*TokenResponse, error) {
			if code != "dev-1" {
				t.Errorf("poll called with %q", code)
			}
			return &TokenResponse{
				AccessToken:    "eg1~device",
				RefreshToken:   "ref",
				ExpiresIn:      7200,
				RefreshExpires: 28800,
				AccountID:      "acc-5",
				DisplayName:    "device-user",
			}, nil
		},
	}

	c := NewClaimer(claimerConfig(), store, account, &fakeOffers{}, &fakeFlow{})
	if err := c.Authenticate(); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if store.session == nil || store.session.DisplayName != "device-user" {
		t.Errorf("device auth session not saved: %+v", store.session)
	}
}

func TestClaimAllRequiresSession(t *testing.T) {
	c := NewClaimer(claimerConfig(), &memStore{}, &fakeAccount{}, &fakeOffers{}, &fakeFlow{})

	_, err := c.ClaimAll([]Offer{{Title: "Game"}})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("ClaimAll without session = %v, want ErrNotAuthenticated", err)
	}
}

func TestClaimableOffersFiltersOwned(t *testing.T) {
	offers := &fakeOffers{offers: []Offer{
		{Title: "Owned Game", Namespace: "ns-owned"},
		{Title: "New Game", Namespace: "ns-new"},
		{Title: "New Game Duplicate", Namespace: "ns-new"},
	}}
	account := &fakeAccount{
		owned: func(string, string) (*OwnedSet, error) {
			return ownedSet("ns-owned"), nil
		},
	}

	c := NewClaimer(claimerConfig(), &memStore{session: liveSession()}, account, offers, &fakeFlow{})
	if err := c.Authenticate(); err != nil {
		t.Fatal(err)
	}

	claimable, err := c.ClaimableOffers()
	if err != nil {
		t.Fatalf("ClaimableOffers failed: %v", err)
	}
	if len(claimable) != 1 {
		t.Fatalf("got %d claimable offers, want 1: %+v", len(claimable), claimable)
	}
	if claimable[0].Title != "New Game" {
		t.Errorf("claimable = %q, want 'New Game'", claimable[0].Title)
	}
}

func TestClaimAllVerifiesOwnership(t *testing.T) {
	ownedCalls := 0
	account := &fakeAccount{
		owned: func(string, string) (*OwnedSet, error) {
			ownedCalls++
			if ownedCalls < 2 {
				// Entitlement lags the claim by one poll.
				return ownedSet(), nil
			}
			return ownedSet("ns-1"), nil
		},
	}
	flow := &fakeFlow{outcomes: map[string]ClaimOutcome{"Game": OutcomeClaimed}}

	c := NewClaimer(claimerConfig(), &memStore{session: liveSession()}, account, &fakeOffers{}, flow)
	if err := c.Authenticate(); err != nil {
		t.Fatal(err)
	}

	result, err := c.ClaimAll([]Offer{{Title: "Game", Namespace: "ns-1"}})
	if err != nil {
		t.Fatalf("ClaimAll failed: %v", err)
	}
	if result.Claimed != 1 || result.Failed != 0 {
		t.Errorf("result = %+v, want one claimed", result)
	}
	if ownedCalls != 2 {
		t.Errorf("entitlements polled %d times, want 2", ownedCalls)
	}
}

func TestClaimAllDemotesUnverifiedClaim(t *testing.T) {
	account := &fakeAccount{
		owned: func(string, string) (*OwnedSet, error) {
			return ownedSet(), nil
		},
	}
	flow := &fakeFlow{outcomes: map[string]ClaimOutcome{"Game": OutcomeClaimed}}

	c := NewClaimer(claimerConfig(), &memStore{session: liveSession()}, account, &fakeOffers{}, flow)
	if err := c.Authenticate(); err != nil {
		t.Fatal(err)
	}

	result, err := c.ClaimAll([]Offer{{Title: "Game", Namespace: "ns-1"}})
	if err != nil {
		t.Fatalf("ClaimAll failed: %v", err)
	}
	if result.Claimed != 0 || result.Failed != 1 {
		t.Errorf("result = %+v, want the unverified claim demoted to failed", result)
	}
}

func TestClaimAllAbortsOnRateLimit(t *testing.T) {
	flow := &fakeFlow{outcomes: map[string]ClaimOutcome{
		"First":  OutcomeRateLimited,
		"Second": OutcomeClaimed,
	}}

	c := NewClaimer(claimerConfig(), &memStore{session: liveSession()}, &fakeAccount{}, &fakeOffers{}, flow)
	if err := c.Authenticate(); err != nil {
		t.Fatal(err)
	}

	result, err := c.ClaimAll([]Offer{
		{Title: "First", Namespace: "ns-1"},
		{Title: "Second", Namespace: "ns-2"},
	})
	if err != nil {
		t.Fatalf("ClaimAll failed: %v", err)
	}
	if !result.RateLimited {
		t.Error("result should be marked rate limited")
	}
	if len(flow.claims) != 1 {
		t.Errorf("flow ran %d claims, want the run aborted after the first", len(flow.claims))
	}
	if result.Failed != 1 {
		t.Errorf("rate-limited claim should count as failed, got %+v", result)
	}
}

func TestClaimAllRefreshesAfterFailure(t *testing.T) {
	store := &memStore{session: liveSession()}
	refreshes := 0
	account := &fakeAccount{
		refresh: func(string) (*TokenResponse, error) {
			refreshes++
			return &TokenResponse{
				AccessToken:    "eg1~mid-run",
				RefreshToken:   "ref-2",
				ExpiresIn:      7200,
				RefreshExpires: 28800,
			}, nil
		},
	}
	flow := &fakeFlow{outcomes: map[string]ClaimOutcome{"Game": OutcomeFailed}}

	c := NewClaimer(claimerConfig(), store, account, &fakeOffers{}, flow)
	if err := c.Authenticate(); err != nil {
		t.Fatal(err)
	}

	result, err := c.ClaimAll([]Offer{{Title: "Game", Namespace: "ns-1"}})
	if err != nil {
		t.Fatalf("ClaimAll failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("result = %+v, want one failure", result)
	}
	if refreshes != 1 {
		t.Errorf("token refreshed %d times after failure, want 1", refreshes)
	}
	if store.saves != 1 {
		t.Errorf("refreshed session saved %d times, want 1", store.saves)
	}
}

func TestClaimAllFlowError(t *testing.T) {
	flow := &fakeFlow{err: errors.New("browser did not start")}

	c := NewClaimer(claimerConfig(), &memStore{session: liveSession()}, &fakeAccount{}, &fakeOffers{}, flow)
	if err := c.Authenticate(); err != nil {
		t.Fatal(err)
	}

	result, err := c.ClaimAll([]Offer{{Title: "Game", Namespace: "ns-1"}})
	if err != nil {
		t.Fatalf("ClaimAll failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("a flow error should count as a failed claim, got %+v", result)
	}
}

func TestRunNothingToClaim(t *testing.T) {
	c := NewClaimer(claimerConfig(), &memStore{session: liveSession()}, &fakeAccount{}, &fakeOffers{}, &fakeFlow{})

	result, err := c.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Processed) != 0 {
		t.Errorf("empty discovery should process nothing, got %+v", result)
	}
}
