package main

import "strings"

// ButtonProbe locates a control by trying an ordered list of CSS selectors
// first, then button-text matches. The storefront's markup changes without
// notice, so these lists live in config data rather than in control flow.
type ButtonProbe struct {
	CSS   []string `yaml:"css"`
	Texts []string `yaml:"texts"`
}

// Patterns holds every text and selector heuristic used by the checkout
// flow. All phrase lists are matched lowercased against lowercased page
// text; shipping both English and Portuguese mirrors the storefront's
// localized confirmation pages.
type Patterns struct {
	ClaimButton    ButtonProbe `yaml:"claim_button"`
	CheckoutButton ButtonProbe `yaml:"checkout_button"`

	AgeGateKeywords []string `yaml:"age_gate_keywords"`

	CaptchaKeywords []string `yaml:"captcha_keywords"`
	CaptchaFrames   []string `yaml:"captcha_frames"`
	CaptchaResponse string   `yaml:"captcha_response"`

	AlreadyOwned []string `yaml:"already_owned"`
	Success      []string `yaml:"success"`
	RateLimit    []string `yaml:"rate_limit"`
	SuccessURLs  []string `yaml:"success_urls"`

	CodeRedemption string `yaml:"code_redemption"`
}

func DefaultPatterns() *Patterns {
	return &Patterns{
		ClaimButton: ButtonProbe{
			CSS: []string{
				`[data-testid="purchase-cta-button"]`,
				`button[data-testid="purchase-app-confirm-order-button"]`,
				`#purchase-app button[type="submit"]`,
			},
			Texts: []string{"Get", "Obter", "Place Order", "Fazer pedido", "Confirm", "Confirmar"},
		},
		CheckoutButton: ButtonProbe{
			CSS: []string{
				`button[data-testid="purchase-app-confirm-order-button"]`,
			},
			Texts: []string{"Place Order", "Fazer pedido", "Confirm", "Confirmar"},
		},
		AgeGateKeywords: []string{
			"date of birth",
			"enter your date of birth",
			"provide your date of birth",
			"may not be appropriate for all ages",
			"data de nascimento",
			"forneça sua data de nascimento",
			"não ser adequado para todas as idades",
			"age gate",
		},
		CaptchaKeywords: []string{
			"security check",
			"complete a security",
			"select the item",
			"verificação de segurança",
			"mais uma etapa",
			"selecione o item",
		},
		CaptchaFrames: []string{
			`iframe[src*="hcaptcha.com"][src*="frame=challenge"]`,
			`#h_captcha_challenge_checkout_free_prod`,
		},
		CaptchaResponse: `textarea[name="h-captcha-response"]`,
		AlreadyOwned: []string{
			"you already own this",
			"already in your library",
			"item already owned",
			"you own this item",
			"já está na sua biblioteca",
			"você já possui",
			"na biblioteca",
		},
		Success: []string{
			"thank you",
			"order complete",
			"order confirmed",
			"purchase complete",
			"your order",
			"compra concluída",
		},
		RateLimit: []string{
			"wait 24 hours",
			"can no longer download",
			"captcha.decline",
			"aguarde 24 horas",
			"não pode mais fazer download",
		},
		SuccessURLs: []string{
			"receipt",
			"confirmation",
			"purchase/success",
		},
		CodeRedemption: "invalid_offers_code_redemption_only",
	}
}

// containsAny reports whether any pattern occurs in text. Both sides are
// lowercased so pattern tables stay case-insensitive.
func containsAny(text string, patterns []string) bool {
	text = strings.ToLower(text)
	for _, p := range patterns {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Classify maps the final page URL and combined visible text to a definite
// outcome. Precedence, highest first: rate-limit markers, success URL
// fragments, success text, already-owned text, then the storefront's
// code-redemption error code. A page showing both success
// and already-owned phrasing is treated as Claimed because purchase
// confirmation pages routinely contain both ("your order is now in your
// library"). Anything ambiguous is Failed; the ownership verifier is the
// authority, so a conservative miss here is recoverable.
func (p *Patterns) Classify(url, text string) ClaimOutcome {
	if containsAny(text, p.RateLimit) {
		return OutcomeRateLimited
	}
	if containsAny(url, p.SuccessURLs) {
		return OutcomeClaimed
	}
	if containsAny(text, p.Success) {
		return OutcomeClaimed
	}
	if containsAny(text, p.AlreadyOwned) {
		return OutcomeAlreadyOwned
	}
	if p.CodeRedemption != "" && strings.Contains(strings.ToLower(text), p.CodeRedemption) {
		// The offer can only be obtained by redeeming a code.
		return OutcomeFailed
	}
	return OutcomeFailed
}
