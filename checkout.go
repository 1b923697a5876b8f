package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ClaimOutcome is the result of a single checkout attempt.
type ClaimOutcome int

const (
	OutcomeFailed ClaimOutcome = iota
	OutcomeClaimed
	OutcomeAlreadyOwned
	OutcomeRateLimited
)

func (o ClaimOutcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeAlreadyOwned:
		return "already_owned"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Element is the interactable handle the checkout flow needs. Click
// variants escalate from a trusted input event down to a synthetic DOM
// event for overlay-obstructed buttons.
type Element interface {
	Click() error
	ScrollClick() error
	ScriptClick() error
	DispatchClick() error
	Visible() bool
	Value() (string, error)
}

// Page is the browser surface the checkout flow runs against. VisibleText
// includes same-origin frame content and is lowercased. Frames exposes the
// embedded frames themselves; the purchase flow renders its controls
// inside an iframe, so element probes must be able to reach past the top
// document.
type Page interface {
	InjectCookie(name, value string) error
	Navigate(url string) error
	Reload() error
	URL() string
	VisibleText() string
	Frames() []Page
	FindVisible(selector string, timeout time.Duration) (Element, bool)
	FindAny(selector string, timeout time.Duration) (Element, bool)
	FindText(selector, text string, timeout time.Duration) (Element, bool)
	Eval(js string) error
}

// ArtifactSink records page state at notable points of a claim attempt.
type ArtifactSink interface {
	Capture(stage string)
	DumpHTML(stage string)
}

type nopSink struct{}

func (nopSink) Capture(string)  {}
func (nopSink) DumpHTML(string) {}

// Checkout drives one offer through the storefront purchase flow.
type Checkout struct {
	cfg       *Config
	pat       *Patterns
	page      Page
	artifacts ArtifactSink
}

func NewCheckout(cfg *Config, page Page, artifacts ArtifactSink) *Checkout {
	if artifacts == nil {
		artifacts = nopSink{}
	}
	return &Checkout{cfg: cfg, pat: cfg.Patterns, page: page, artifacts: artifacts}
}

// Claim attempts to obtain the offer for the authenticated session. Any
// panic out of the browser layer is contained here and reported as a
// failed attempt rather than aborting the whole run.
func (c *Checkout) Claim(offer Offer, sess *Session) (outcome ClaimOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("title", offer.Title).Msg("claim aborted by page error")
			c.artifacts.Capture("panic")
			outcome = OutcomeFailed
		}
	}()

	if err := c.establishSession(sess); err != nil {
		log.Error().Err(err).Msg("could not establish browser session")
		return OutcomeFailed
	}

	outcome, done := c.openOffer(offer)
	if done {
		return outcome
	}

	c.dismissAgeGate()

	button, ok := c.findButton(c.pat.ClaimButton)
	if !ok {
		// Some offers land directly on the order summary.
		if order, ok := c.findButton(c.pat.CheckoutButton); ok {
			return c.submitOrder(order)
		}
		log.Warn().Str("title", offer.Title).Msg("no claim button found")
		c.artifacts.Capture("no_claim_button")
		c.artifacts.DumpHTML("no_claim_button")
		return OutcomeFailed
	}

	if err := c.clickWithFallback(button); err != nil {
		log.Error().Err(err).Msg("claim button unclickable")
		c.artifacts.Capture("click_failed")
		return OutcomeFailed
	}
	c.settle(c.cfg.ClickSettleMs)

	outcome, order, done := c.awaitCheckout(offer)
	if done {
		return outcome
	}

	return c.submitOrder(order)
}

// establishSession injects the session cookies and waits out any login
// redirect bounce until the store accepts the session. Auxiliary cookies
// (anti-bot clearance, locale) ride along best-effort; only the access
// token itself is load-bearing.
func (c *Checkout) establishSession(sess *Session) error {
	for name, value := range sess.Cookies {
		if name == sessionCookieName {
			continue
		}
		if err := c.page.InjectCookie(name, value); err != nil {
			log.Warn().Err(err).Str("cookie", name).Msg("auxiliary cookie not injected")
		}
	}
	if err := c.page.InjectCookie(sessionCookieName, sess.AccessToken); err != nil {
		return fmt.Errorf("inject session cookie: %w", err)
	}
	if err := c.page.Navigate(c.cfg.StoreBaseURL); err != nil {
		return fmt.Errorf("open storefront: %w", err)
	}
	c.settle(c.cfg.NavSettleMs)

	for i := 0; i < c.cfg.LoginWaitAttempts; i++ {
		if !isLoginURL(c.page.URL()) {
			return nil
		}
		if i == 0 {
			log.Info().Msg("waiting for session to be accepted")
		}
		c.settle(c.cfg.LoginPollMs)
	}
	return fmt.Errorf("stuck on login page after cookie injection")
}

// openOffer navigates to the offer's page. done is true when the outcome
// is already decided without touching the claim button.
func (c *Checkout) openOffer(offer Offer) (ClaimOutcome, bool) {
	url := c.offerURL(offer)
	log.Info().Str("title", offer.Title).Str("url", url).Msg("opening offer")

	if err := c.page.Navigate(url); err != nil {
		log.Error().Err(err).Msg("offer page failed to load")
		return OutcomeFailed, true
	}
	c.settle(c.cfg.OfferSettleMs)

	if isLoginURL(c.page.URL()) {
		log.Error().Msg("redirected to login, session not usable")
		return OutcomeFailed, true
	}

	text := c.page.VisibleText()
	if c.codeRedemptionOnly(text) {
		log.Error().Msg("offer requires code redemption, cannot claim automatically")
		return OutcomeFailed, true
	}
	if containsAny(text, c.pat.AlreadyOwned) {
		log.Info().Str("title", offer.Title).Msg("already in library")
		return OutcomeAlreadyOwned, true
	}
	return OutcomeFailed, false
}

func (c *Checkout) codeRedemptionOnly(text string) bool {
	return c.pat.CodeRedemption != "" && strings.Contains(strings.ToLower(text), c.pat.CodeRedemption)
}

func (c *Checkout) offerURL(offer Offer) string {
	if offer.Slug != "" {
		return fmt.Sprintf("%s/%s/p/%s", c.cfg.StoreBaseURL, c.cfg.Locale, offer.Slug)
	}
	return c.purchaseURL(offer)
}

func (c *Checkout) purchaseURL(offer Offer) string {
	return fmt.Sprintf("%s?offers=1-%s-%s", c.cfg.PurchaseBaseURL, offer.Namespace, offer.ID)
}

// dismissAgeGate fills the mature-content birth date prompt when present.
// Safe to call on pages without a gate.
func (c *Checkout) dismissAgeGate() {
	if !containsAny(c.page.VisibleText(), c.pat.AgeGateKeywords) {
		return
	}
	log.Info().Msg("age gate detected")

	fields := []struct{ toggle, menu, value string }{
		{"#day_toggle", "#day_menu", "01"},
		{"#month_toggle", "#month_menu", "01"},
		{"#year_toggle", "#year_menu", "1990"},
	}
	filled := true
	for _, f := range fields {
		if !c.pickDateOption(f.toggle, f.menu, f.value) {
			filled = false
			break
		}
	}
	if filled {
		if btn, ok := c.findVisible("#btn_age_continue"); ok {
			if err := c.clickWithFallback(btn); err == nil {
				c.settle(c.cfg.ClickSettleMs)
				return
			}
		}
	}

	// Fallback: mark the gate as passed in storage and reload.
	log.Warn().Msg("age gate form not fillable, using storage bypass")
	_ = c.page.Eval(`() => localStorage.setItem('ageGatePassed', 'true')`)
	if err := c.page.Reload(); err != nil {
		log.Warn().Err(err).Msg("reload after age gate bypass failed")
	}
	c.settle(c.cfg.NavSettleMs)
}

func (c *Checkout) pickDateOption(toggle, menu, value string) bool {
	t, ok := c.findVisible(toggle)
	if !ok {
		return false
	}
	if err := c.clickWithFallback(t); err != nil {
		return false
	}
	scope := fmt.Sprintf(`%s [role="menuitem"], %s li, %s button`, menu, menu, menu)
	opt, ok := c.findText(scope, value)
	if !ok {
		return false
	}
	return c.clickWithFallback(opt) == nil
}

// surfaces is the probe order for element searches: the top document
// first, then each embedded frame.
func (c *Checkout) surfaces() []Page {
	return append([]Page{c.page}, c.page.Frames()...)
}

func (c *Checkout) findVisible(selector string) (Element, bool) {
	for _, s := range c.surfaces() {
		if el, ok := s.FindVisible(selector, c.elementTimeout()); ok {
			return el, true
		}
	}
	return nil, false
}

func (c *Checkout) findAny(selector string) (Element, bool) {
	for _, s := range c.surfaces() {
		if el, ok := s.FindAny(selector, c.elementTimeout()); ok {
			return el, true
		}
	}
	return nil, false
}

func (c *Checkout) findText(selector, text string) (Element, bool) {
	for _, s := range c.surfaces() {
		if el, ok := s.FindText(selector, text, c.elementTimeout()); ok {
			return el, true
		}
	}
	return nil, false
}

// findButton tries the probe's CSS selectors first, then falls back to
// matching visible button text, searching the page and then its frames
// for each probe.
func (c *Checkout) findButton(probe ButtonProbe) (Element, bool) {
	for _, sel := range probe.CSS {
		if el, ok := c.findVisible(sel); ok {
			log.Debug().Str("selector", sel).Msg("button matched by selector")
			return el, true
		}
	}
	for _, text := range probe.Texts {
		if el, ok := c.findText("button, a", text); ok {
			log.Debug().Str("text", text).Msg("button matched by text")
			return el, true
		}
	}
	return nil, false
}

// clickWithFallback escalates through click strategies until one lands.
func (c *Checkout) clickWithFallback(el Element) error {
	attempts := []struct {
		name string
		fn   func() error
	}{
		{"click", el.Click},
		{"scroll_click", el.ScrollClick},
		{"script_click", el.ScriptClick},
		{"dispatch_click", el.DispatchClick},
	}
	var lastErr error
	for _, a := range attempts {
		err := a.fn()
		if err == nil {
			return nil
		}
		log.Debug().Err(err).Str("strategy", a.name).Msg("click attempt failed")
		lastErr = err
	}
	return fmt.Errorf("all click strategies failed: %w", lastErr)
}

// awaitCheckout polls for the place-order control after the claim click.
// The checkout can open as an in-page overlay without the URL changing,
// so the poll probes for the control itself rather than watching the URL.
// done is true when the outcome is decided before the purchase step;
// otherwise the found control is returned for submission.
func (c *Checkout) awaitCheckout(offer Offer) (ClaimOutcome, Element, bool) {
	original := c.page.URL()
	for i := 0; i < c.cfg.CheckoutRetries; i++ {
		cur := c.page.URL()
		text := c.page.VisibleText()

		if containsAny(text, c.pat.AgeGateKeywords) {
			c.dismissAgeGate()
			continue
		}
		if containsAny(text, c.pat.AlreadyOwned) {
			return OutcomeAlreadyOwned, nil, true
		}
		if containsAny(cur, c.pat.SuccessURLs) || (cur != original && containsAny(text, c.pat.Success)) {
			return OutcomeClaimed, nil, true
		}
		if isLoginURL(cur) {
			log.Error().Msg("session lost mid-claim")
			return OutcomeFailed, nil, true
		}
		if order, ok := c.findButton(c.pat.CheckoutButton); ok {
			return OutcomeFailed, order, false
		}
		c.settle(c.cfg.CheckoutRetryMs)
	}

	// The order control never appeared; go straight to the purchase URL.
	log.Warn().Msg("checkout did not open, navigating to purchase URL directly")
	if err := c.page.Navigate(c.purchaseURL(offer)); err != nil {
		return OutcomeFailed, nil, true
	}
	for i := 0; i < c.cfg.DirectRetries; i++ {
		c.settle(c.cfg.CheckoutRetryMs)
		if order, ok := c.findButton(c.pat.CheckoutButton); ok {
			return OutcomeFailed, order, false
		}
		if containsAny(c.page.VisibleText(), c.pat.AlreadyOwned) {
			return OutcomeAlreadyOwned, nil, true
		}
	}
	c.artifacts.Capture("no_checkout")
	c.artifacts.DumpHTML("no_checkout")
	return OutcomeFailed, nil, true
}

// submitOrder places the order through the given control and classifies
// the result, resolving a CAPTCHA interruption if one appears.
func (c *Checkout) submitOrder(order Element) ClaimOutcome {
	if err := c.clickWithFallback(order); err != nil {
		log.Error().Err(err).Msg("place-order click failed")
		return OutcomeFailed
	}
	c.settle(c.cfg.SubmitSettleMs)

	if c.captchaPresent() {
		log.Warn().Msg("CAPTCHA challenge appeared at checkout")
		c.artifacts.Capture("captcha_detected")
		switch c.awaitCaptcha() {
		case captchaResolved:
			c.settle(c.cfg.SubmitSettleMs)
			// The solved challenge does not always resubmit the order.
			if btn, ok := c.findButton(c.pat.CheckoutButton); ok {
				_ = c.clickWithFallback(btn)
				c.settle(c.cfg.SubmitSettleMs)
			}
		case captchaRateLimited:
			return OutcomeRateLimited
		default:
			log.Error().Msg("CAPTCHA was not resolved in time")
			return OutcomeFailed
		}
	}

	return c.classify()
}

type captchaResult int

const (
	captchaTimedOut captchaResult = iota
	captchaResolved
	captchaRateLimited
)

func (c *Checkout) captchaPresent() bool {
	text := c.page.VisibleText()
	if containsAny(text, c.pat.CaptchaKeywords) {
		return true
	}
	for _, sel := range c.pat.CaptchaFrames {
		if el, ok := c.findAny(sel); ok && el.Visible() {
			return true
		}
	}
	return false
}

// awaitCaptcha waits for a human (or the challenge itself) to resolve the
// CAPTCHA. Resolution is signalled by a filled response token, the
// challenge frame disappearing, or the challenge text clearing.
func (c *Checkout) awaitCaptcha() captchaResult {
	deadline := time.Now().Add(time.Duration(c.cfg.CaptchaTimeoutSec) * time.Second)
	log.Info().Int("timeout_sec", c.cfg.CaptchaTimeoutSec).Msg("waiting for CAPTCHA resolution")

	for time.Now().Before(deadline) {
		text := c.page.VisibleText()
		if containsAny(text, c.pat.RateLimit) {
			return captchaRateLimited
		}
		if el, ok := c.findAny(c.pat.CaptchaResponse); ok {
			if v, err := el.Value(); err == nil && strings.TrimSpace(v) != "" {
				log.Info().Msg("CAPTCHA response token present")
				return captchaResolved
			}
		}
		frameVisible := false
		for _, sel := range c.pat.CaptchaFrames {
			if el, ok := c.findAny(sel); ok && el.Visible() {
				frameVisible = true
				break
			}
		}
		if !frameVisible && !containsAny(text, c.pat.CaptchaKeywords) {
			log.Info().Msg("CAPTCHA challenge dismissed")
			return captchaResolved
		}
		c.settle(c.cfg.CaptchaPollSec * 1000)
	}
	return captchaTimedOut
}

func (c *Checkout) classify() ClaimOutcome {
	return c.pat.Classify(c.page.URL(), c.page.VisibleText())
}

func (c *Checkout) settle(ms int) {
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func (c *Checkout) elementTimeout() time.Duration {
	return time.Duration(c.cfg.ElementTimeoutMs) * time.Millisecond
}

func isLoginURL(url string) bool {
	u := strings.ToLower(url)
	return strings.Contains(u, "/login") || strings.Contains(u, "/id/login")
}
