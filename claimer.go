package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrNotAuthenticated is returned when a run is attempted without a
// usable session.
var ErrNotAuthenticated = errors.New("no usable session, authenticate first")

// Store abstracts session persistence.
type Store interface {
	Load() (*Session, error)
	Save(s *Session) error
}

// AccountService is the storefront account API surface the claimer needs.
type AccountService interface {
	RefreshToken(refreshToken string) (*TokenResponse, error)
	VerifyToken(accessToken string) (*AccountInfo, error)
	StartDeviceAuth() (*DeviceAuth, error)
	PollDeviceAuth(deviceCode string, interval, maxAttempts int) (*TokenResponse, error)
	Owned(accessToken, accountID string) (*OwnedSet, error)
}

// OfferSource yields the currently free offers.
type OfferSource interface {
	FreeOffers() ([]Offer, error)
}

// ClaimFlow attempts one offer end to end.
type ClaimFlow interface {
	Claim(offer Offer, sess *Session) (ClaimOutcome, error)
}

// ClaimResult summarizes one claiming run.
type ClaimResult struct {
	Claimed      int
	Failed       int
	AlreadyOwned int
	RateLimited  bool
	Processed    []string
}

// Claimer ties session management, offer discovery, and the browser
// checkout flow into complete runs.
type Claimer struct {
	cfg     *Config
	store   Store
	account AccountService
	offers  OfferSource
	flow    ClaimFlow

	session *Session
	pace    *rate.Limiter
}

func NewClaimer(cfg *Config, store Store, account AccountService, offers OfferSource, flow ClaimFlow) *Claimer {
	delay := time.Duration(cfg.ClaimDelaySec) * time.Second
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Claimer{
		cfg:     cfg,
		store:   store,
		account: account,
		offers:  offers,
		flow:    flow,
		pace:    rate.NewLimiter(limit, 1),
	}
}

// Authenticate walks the credential ladder until a usable session exists:
// stored session, token refresh, a configured EG1 token, then interactive
// device authorization.
func (c *Claimer) Authenticate() error {
	sess, err := c.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("stored session unreadable, discarding")
		sess = nil
	}
	c.session = sess

	if c.session.IsUsable() {
		// Zero-expiry sessions from older formats get checked live.
		log.Info().Str("account", c.session.DisplayName).Msg("using stored session")
		return nil
	}
	if c.session != nil && c.session.AccessToken != "" && c.session.ExpiresAt.IsZero() {
		if info, err := c.account.VerifyToken(c.session.AccessToken); err == nil {
			c.session.AccountID = info.AccountID
			c.session.DisplayName = info.DisplayName
			log.Info().Str("account", info.DisplayName).Msg("stored token verified")
			return nil
		}
	}

	if c.session.CanRefresh() {
		log.Info().Msg("refreshing expired session")
		tr, err := c.account.RefreshToken(c.session.RefreshToken)
		if err == nil {
			c.session.ApplyToken(tr)
			if err := c.store.Save(c.session); err != nil {
				log.Warn().Err(err).Msg("refreshed session not saved")
			}
			log.Info().Str("account", c.session.DisplayName).Msg("session refreshed")
			return nil
		}
		log.Warn().Err(err).Msg("refresh failed")
	}

	if c.cfg.FallbackEG1 != "" {
		sess, err := SessionFromEG1(c.cfg.FallbackEG1)
		if err != nil {
			log.Warn().Err(err).Msg("configured EG1 token unusable")
		} else if _, err := c.account.VerifyToken(sess.AccessToken); err != nil {
			log.Warn().Err(err).Msg("configured EG1 token rejected")
		} else {
			c.session = sess
			if err := c.store.Save(c.session); err != nil {
				log.Warn().Err(err).Msg("session not saved")
			}
			log.Info().Str("account", sess.DisplayName).Msg("using configured EG1 token")
			return nil
		}
	}

	return c.deviceAuth()
}

func (c *Claimer) deviceAuth() error {
	da, err := c.account.StartDeviceAuth()
	if err != nil {
		return fmt.Errorf("start device authorization: %w", err)
	}

	fmt.Println()
	fmt.Println("  To sign in, open this link in any browser:")
	fmt.Printf("    %s\n", da.VerificationURIComplete)
	fmt.Printf("  and confirm code %s within %d minutes.\n", da.UserCode, da.ExpiresIn/60)
	fmt.Println()

	tr, err := c.account.PollDeviceAuth(da.DeviceCode, da.Interval, da.ExpiresIn/da.Interval)
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}

	c.session = &Session{}
	c.session.ApplyToken(tr)
	if err := c.store.Save(c.session); err != nil {
		log.Warn().Err(err).Msg("session not saved")
	}
	log.Info().Str("account", c.session.DisplayName).Msg("signed in")
	return nil
}

// ClaimableOffers returns free offers the account does not own yet,
// deduplicated by namespace.
func (c *Claimer) ClaimableOffers() ([]Offer, error) {
	offers, err := c.offers.FreeOffers()
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, nil
	}

	var owned *OwnedSet
	if c.session.IsUsable() {
		owned, err = c.account.Owned(c.session.AccessToken, c.session.AccountID)
		if err != nil {
			log.Warn().Err(err).Msg("could not load entitlements, claiming without ownership filter")
		}
	}

	seen := make(map[string]bool, len(offers))
	var claimable []Offer
	for _, o := range offers {
		if seen[o.Namespace] {
			continue
		}
		seen[o.Namespace] = true
		if owned != nil && owned.OwnsNamespace(o.Namespace) {
			log.Info().Str("title", o.Title).Msg("already owned, skipping")
			continue
		}
		claimable = append(claimable, o)
	}
	return claimable, nil
}

// ClaimAll runs the checkout flow for each offer. A rate-limit outcome
// aborts the rest of the run; continuing would only dig the hole deeper.
func (c *Claimer) ClaimAll(offers []Offer) (*ClaimResult, error) {
	if !c.session.IsUsable() {
		return nil, ErrNotAuthenticated
	}

	result := &ClaimResult{}
	for _, offer := range offers {
		if err := c.pace.Wait(context.Background()); err != nil {
			return result, err
		}
		result.Processed = append(result.Processed, offer.Title)

		outcome, err := c.flow.Claim(offer, c.session)
		if err != nil {
			log.Error().Err(err).Str("title", offer.Title).Msg("claim attempt errored")
			outcome = OutcomeFailed
		}

		switch outcome {
		case OutcomeClaimed:
			if c.verifyOwnership(offer) {
				log.Info().Str("title", offer.Title).Msg("claimed")
				result.Claimed++
			} else {
				log.Warn().Str("title", offer.Title).Msg("claim looked successful but entitlement never appeared")
				result.Failed++
			}
		case OutcomeAlreadyOwned:
			log.Info().Str("title", offer.Title).Msg("already owned")
			result.AlreadyOwned++
		case OutcomeRateLimited:
			log.Warn().Str("title", offer.Title).Msg("rate limited, aborting run")
			result.Failed++
			result.RateLimited = true
			return result, nil
		default:
			log.Warn().Str("title", offer.Title).Msg("claim failed")
			result.Failed++
			c.refreshAfterFailure()
		}
	}
	return result, nil
}

// verifyOwnership polls the entitlement service until the claimed offer
// shows up. Entitlements can lag the storefront by a few seconds.
func (c *Claimer) verifyOwnership(offer Offer) bool {
	for attempt := 1; attempt <= c.cfg.VerifyAttempts; attempt++ {
		owned, err := c.account.Owned(c.session.AccessToken, c.session.AccountID)
		if err == nil && owned.OwnsNamespace(offer.Namespace) {
			return true
		}
		if attempt%3 == 0 {
			log.Info().Int("attempt", attempt).Str("title", offer.Title).Msg("waiting for entitlement")
		}
		if attempt < c.cfg.VerifyAttempts {
			time.Sleep(time.Duration(c.cfg.VerifyDelaySec) * time.Second)
		}
	}
	return false
}

// refreshAfterFailure refreshes the token once after a failed claim in
// case the failure was an expired session mid-run.
func (c *Claimer) refreshAfterFailure() {
	if !c.session.CanRefresh() {
		return
	}
	tr, err := c.account.RefreshToken(c.session.RefreshToken)
	if err != nil {
		log.Debug().Err(err).Msg("mid-run refresh failed")
		return
	}
	c.session.ApplyToken(tr)
	if err := c.store.Save(c.session); err != nil {
		log.Warn().Err(err).Msg("refreshed session not saved")
	}
}

// Run executes one complete cycle: authenticate, discover, claim,
// snapshot, summarize.
func (c *Claimer) Run() (*ClaimResult, error) {
	if err := c.Authenticate(); err != nil {
		return nil, err
	}

	offers, err := c.ClaimableOffers()
	if err != nil {
		return nil, fmt.Errorf("discover offers: %w", err)
	}
	if len(offers) == 0 {
		log.Info().Msg("nothing to claim right now")
		return &ClaimResult{}, nil
	}

	log.Info().Int("count", len(offers)).Msg("offers to claim")
	result, err := c.ClaimAll(offers)
	if err != nil {
		return result, err
	}

	c.saveOffersSnapshot(offers)
	return result, nil
}

// CheckOnly reports claimable offers without opening a browser.
func (c *Claimer) CheckOnly() ([]Offer, error) {
	if err := c.Authenticate(); err != nil {
		return nil, err
	}
	return c.ClaimableOffers()
}

// saveOffersSnapshot records the offers the run saw, for external tooling.
func (c *Claimer) saveOffersSnapshot(offers []Offer) {
	path := filepath.Join(c.cfg.DataDir, "next_games.json")
	data, err := json.MarshalIndent(offers, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		log.Debug().Err(err).Msg("data dir not writable")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Debug().Err(err).Msg("offer snapshot not saved")
	}
}
