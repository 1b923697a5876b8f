package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Production service hosts. Overridable on the client for tests.
const (
	defaultOAuthHost       = "https://account-public-service-prod.ol.epicgames.com"
	defaultEntitlementHost = "https://entitlement-public-service-prod08.ol.epicgames.com"
)

// TokenResponse is the token endpoint's reply. The endpoint is OAuth-shaped
// but carries non-standard fields (account_id, displayName, refresh_expires).
type TokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresIn      int    `json:"expires_in"`
	RefreshExpires int    `json:"refresh_expires"`
	AccountID      string `json:"account_id"`
	DisplayName    string `json:"displayName"`
}

// AccountInfo is the verify endpoint's reply for a live token.
type AccountInfo struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"displayName"`
	ExpiresAt   string `json:"expires_at"`
}

// DeviceAuth describes a pending device-authorization handshake.
type DeviceAuth struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// OwnedSet holds the account's entitlements as two membership sets. The
// discovery API reports offer catalog ids that do not match entitlement
// catalogItemIds, so ownership checks go by namespace.
type OwnedSet struct {
	IDs        map[string]struct{}
	Namespaces map[string]struct{}
}

func (o *OwnedSet) OwnsItem(id string) bool {
	_, ok := o.IDs[id]
	return ok
}

func (o *OwnedSet) OwnsNamespace(ns string) bool {
	_, ok := o.Namespaces[ns]
	return ok
}

// AccountClient wraps the account service's token, verify, device-auth and
// entitlement endpoints. Every method returns an error instead of panicking;
// callers degrade (skip refresh, report failure) rather than abort the run.
type AccountClient struct {
	cfg    *Config
	client *http.Client

	oauthHost       string
	entitlementHost string
}

func NewAccountClient(cfg *Config) *AccountClient {
	return &AccountClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		oauthHost:       defaultOAuthHost,
		entitlementHost: defaultEntitlementHost,
	}
}

func (a *AccountClient) basicAuth() string {
	creds := a.cfg.ClientID + ":" + a.cfg.ClientSecret
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func (a *AccountClient) postForm(endpoint, authorization string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", authorization)
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	log.Debug().Str("url", endpoint).Int("status", resp.StatusCode).Msg("POST")
	return body, resp.StatusCode, nil
}

// RefreshToken exchanges a refresh token for a fresh token pair.
func (a *AccountClient) RefreshToken(refreshToken string) (*TokenResponse, error) {
	body, status, err := a.postForm(
		a.oauthHost+"/account/api/oauth/token",
		a.basicAuth(),
		url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		},
	)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token refresh returned HTTP %d: %s", status, body)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tr, nil
}

// VerifyToken checks a token of unknown provenance and returns the account
// info the service associates with it.
func (a *AccountClient) VerifyToken(accessToken string) (*AccountInfo, error) {
	req, err := http.NewRequest(http.MethodGet, a.oauthHost+"/account/api/oauth/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token verify returned HTTP %d", resp.StatusCode)
	}

	var info AccountInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("parse verify response: %w", err)
	}
	return &info, nil
}

// StartDeviceAuth begins the interactive device-authorization handshake.
// The device endpoint wants a client_credentials bearer, not basic auth,
// so this is a two-step call.
func (a *AccountClient) StartDeviceAuth() (*DeviceAuth, error) {
	body, status, err := a.postForm(
		a.oauthHost+"/account/api/oauth/token",
		a.basicAuth(),
		url.Values{"grant_type": {"client_credentials"}},
	)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("client_credentials returned HTTP %d: %s", status, body)
	}

	var ct struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &ct); err != nil {
		return nil, fmt.Errorf("parse client token: %w", err)
	}
	if ct.AccessToken == "" {
		return nil, fmt.Errorf("client_credentials response missing access_token")
	}

	body, status, err = a.postForm(
		a.oauthHost+"/account/api/oauth/deviceAuthorization",
		"Bearer "+ct.AccessToken,
		url.Values{"prompt": {"login"}},
	)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization returned HTTP %d: %s", status, body)
	}

	var da DeviceAuth
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("parse device authorization: %w", err)
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	if da.ExpiresIn <= 0 {
		da.ExpiresIn = 600
	}
	return &da, nil
}

// PollDeviceAuth polls the token endpoint until the user completes the
// browser-side authorization, the code expires, or attempts run out.
func (a *AccountClient) PollDeviceAuth(deviceCode string, interval, maxAttempts int) (*TokenResponse, error) {
	wait := time.Duration(interval) * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, status, err := a.postForm(
			a.oauthHost+"/account/api/oauth/token",
			a.basicAuth(),
			url.Values{
				"grant_type":  {"device_code"},
				"device_code": {deviceCode},
			},
		)
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("device auth poll error")
			time.Sleep(wait)
			continue
		}

		if status == http.StatusOK {
			var tr TokenResponse
			if err := json.Unmarshal(body, &tr); err != nil {
				return nil, fmt.Errorf("parse token response: %w", err)
			}
			log.Debug().Int("attempt", attempt).Msg("device authorization completed")
			return &tr, nil
		}

		var errResp struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(body, &errResp)

		switch {
		case strings.Contains(errResp.ErrorCode, "authorization_pending"):
			log.Debug().Int("attempt", attempt).Int("max", maxAttempts).Msg("waiting for authorization")
			time.Sleep(wait)
		case strings.Contains(errResp.ErrorCode, "slow_down"):
			time.Sleep(2 * wait)
		case strings.Contains(errResp.ErrorCode, "expired"):
			return nil, fmt.Errorf("device code expired")
		default:
			return nil, fmt.Errorf("device auth error %q: %s", errResp.ErrorCode, errResp.ErrorMessage)
		}
	}

	return nil, fmt.Errorf("device authorization not completed after %d attempts", maxAttempts)
}

// Owned fetches the account's entitlement listing as membership sets. The
// result is recomputed on every call; ownership changes mid-run as claims
// land, so callers must not cache it.
func (a *AccountClient) Owned(accessToken, accountID string) (*OwnedSet, error) {
	endpoint := fmt.Sprintf("%s/entitlement/api/account/%s/entitlements?count=5000", a.entitlementHost, accountID)

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().Str("url", endpoint).Int("status", resp.StatusCode).Msg("GET")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entitlements returned HTTP %d", resp.StatusCode)
	}

	var entitlements []struct {
		CatalogItemID string `json:"catalogItemId"`
		Namespace     string `json:"namespace"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entitlements); err != nil {
		return nil, fmt.Errorf("parse entitlements: %w", err)
	}

	owned := &OwnedSet{
		IDs:        make(map[string]struct{}, len(entitlements)),
		Namespaces: make(map[string]struct{}, len(entitlements)),
	}
	for _, e := range entitlements {
		if e.CatalogItemID != "" {
			owned.IDs[e.CatalogItemID] = struct{}{}
		}
		if e.Namespace != "" {
			owned.Namespaces[e.Namespace] = struct{}{}
		}
	}

	log.Debug().Int("items", len(owned.IDs)).Int("namespaces", len(owned.Namespaces)).Msg("entitlements fetched")
	return owned, nil
}
