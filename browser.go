package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

const (
	sessionCookieName   = "EPIC_EG1"
	sessionCookieDomain = ".epicgames.com"
)

// Browser owns one Chrome instance for the duration of a single claim.
// A fresh instance per offer keeps state leaks between claims impossible.
type Browser struct {
	cfg *Config

	launcher    *launcher.Launcher
	browser     *rod.Browser
	page        *rod.Page
	profileDir  string
	tempProfile bool
}

func NewBrowser(cfg *Config) *Browser {
	return &Browser{cfg: cfg}
}

func (b *Browser) Open() (Page, error) {
	// Leakless deadlocks on Windows.
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	b.profileDir = b.cfg.BrowserProfileDir
	if b.profileDir == "" {
		dir, err := os.MkdirTemp("", "gratis-profile-*")
		if err != nil {
			return nil, fmt.Errorf("create browser profile dir: %w", err)
		}
		b.profileDir = dir
		b.tempProfile = true
	}

	b.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(b.cfg.Headless).
		UserDataDir(b.profileDir)

	if path, ok := launcher.LookPath(); ok {
		b.launcher = b.launcher.Bin(path)
		log.Debug().Str("path", path).Msg("using system browser")
	} else {
		log.Info().Msg("no system browser found, downloading Chromium")
	}

	url, err := b.launcher.Launch()
	if err != nil {
		b.cleanupProfile()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b.browser = rod.New().ControlURL(url)
	if err := b.browser.Connect(); err != nil {
		b.launcher.Cleanup()
		b.cleanupProfile()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := stealth.Page(b.browser)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create stealth page: %w", err)
	}
	b.page = page

	if b.cfg.UserAgent != "" {
		if err := b.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: b.cfg.UserAgent,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to set user agent")
		}
	}

	timeout := time.Duration(b.cfg.PageLoadTimeout) * time.Second
	return &rodPage{page: b.page, loadTimeout: timeout}, nil
}

func (b *Browser) Close() {
	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
		b.launcher = nil
	}
	b.cleanupProfile()
}

func (b *Browser) cleanupProfile() {
	if b.tempProfile && b.profileDir != "" {
		_ = os.RemoveAll(b.profileDir)
		b.profileDir = ""
	}
}

// rodPage adapts a rod page to the checkout flow's Page interface.
type rodPage struct {
	page        *rod.Page
	loadTimeout time.Duration
}

func (p *rodPage) InjectCookie(name, value string) error {
	return p.page.SetCookies([]*proto.NetworkCookieParam{{
		Name:   name,
		Value:  value,
		Domain: sessionCookieDomain,
		Path:   "/",
		Secure: true,
	}})
}

func (p *rodPage) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return err
	}
	return p.page.Timeout(p.loadTimeout).WaitLoad()
}

func (p *rodPage) Reload() error {
	if err := p.page.Reload(); err != nil {
		return err
	}
	return p.page.Timeout(p.loadTimeout).WaitLoad()
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// VisibleText gathers page text plus same-process frame content,
// lowercased for pattern matching.
func (p *rodPage) VisibleText() string {
	var parts []string
	if body, err := p.page.Element("body"); err == nil {
		if text, err := body.Text(); err == nil {
			parts = append(parts, text)
		}
	}
	if frames, err := p.page.Elements("iframe"); err == nil {
		for _, f := range frames {
			framePage, err := f.Frame()
			if err != nil {
				continue
			}
			if body, err := framePage.Element("body"); err == nil {
				if text, err := body.Text(); err == nil {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

// Frames wraps each embedded frame as its own search surface. Checkout
// controls regularly live inside the purchase iframe where top-document
// selectors cannot reach them.
func (p *rodPage) Frames() []Page {
	els, err := p.page.Elements("iframe")
	if err != nil {
		return nil
	}
	var frames []Page
	for _, el := range els {
		framePage, err := el.Frame()
		if err != nil {
			continue
		}
		frames = append(frames, &rodPage{page: framePage, loadTimeout: p.loadTimeout})
	}
	return frames
}

func (p *rodPage) FindVisible(selector string, timeout time.Duration) (Element, bool) {
	el, err := p.page.Timeout(timeout).Element(selector)
	if err != nil {
		return nil, false
	}
	if vis, err := el.Visible(); err != nil || !vis {
		return nil, false
	}
	return &rodElement{el: el}, true
}

func (p *rodPage) FindAny(selector string, timeout time.Duration) (Element, bool) {
	el, err := p.page.Timeout(timeout).Element(selector)
	if err != nil {
		return nil, false
	}
	return &rodElement{el: el}, true
}

func (p *rodPage) FindText(selector, text string, timeout time.Duration) (Element, bool) {
	pattern := fmt.Sprintf(`/^\s*%s\s*$/i`, regexp.QuoteMeta(text))
	el, err := p.page.Timeout(timeout).ElementR(selector, pattern)
	if err != nil {
		return nil, false
	}
	if vis, err := el.Visible(); err != nil || !vis {
		return nil, false
	}
	return &rodElement{el: el}, true
}

func (p *rodPage) Eval(js string) error {
	_, err := p.page.Eval(js)
	return err
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Click() error {
	return e.el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) ScrollClick() error {
	if err := e.el.ScrollIntoView(); err != nil {
		return err
	}
	return e.el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) ScriptClick() error {
	_, err := e.el.Eval(`() => this.click()`)
	return err
}

func (e *rodElement) DispatchClick() error {
	_, err := e.el.Eval(`() => this.dispatchEvent(new MouseEvent('click', {bubbles: true, cancelable: true, view: window}))`)
	return err
}

func (e *rodElement) Visible() bool {
	vis, err := e.el.Visible()
	return err == nil && vis
}

func (e *rodElement) Value() (string, error) {
	prop, err := e.el.Property("value")
	if err != nil {
		return "", err
	}
	return prop.String(), nil
}

// debugSink writes screenshots and page dumps into a per-run directory.
type debugSink struct {
	dir  string
	page *rod.Page
}

func newDebugSink(cfg *Config, runID string, page *rod.Page) *debugSink {
	dir := filepath.Join(cfg.DebugDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("debug dir not writable")
		return nil
	}
	return &debugSink{dir: dir, page: page}
}

func (s *debugSink) Capture(stage string) {
	if s == nil {
		return
	}
	data, err := s.page.Screenshot(true, nil)
	if err != nil {
		log.Debug().Err(err).Str("stage", stage).Msg("screenshot failed")
		return
	}
	path := filepath.Join(s.dir, stage+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Debug().Err(err).Msg("screenshot write failed")
		return
	}
	log.Debug().Str("path", path).Msg("screenshot saved")
}

func (s *debugSink) DumpHTML(stage string) {
	if s == nil {
		return
	}
	html, err := s.page.HTML()
	if err != nil {
		log.Debug().Err(err).Str("stage", stage).Msg("html dump failed")
		return
	}
	path := filepath.Join(s.dir, stage+".html")
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		log.Debug().Err(err).Msg("html dump write failed")
	}
}

// BrowserClaimFlow runs each claim in its own browser instance.
type BrowserClaimFlow struct {
	cfg   *Config
	runID string
}

func NewBrowserClaimFlow(cfg *Config, runID string) *BrowserClaimFlow {
	return &BrowserClaimFlow{cfg: cfg, runID: runID}
}

func (f *BrowserClaimFlow) Claim(offer Offer, sess *Session) (ClaimOutcome, error) {
	b := NewBrowser(f.cfg)
	page, err := b.Open()
	if err != nil {
		return OutcomeFailed, err
	}
	defer b.Close()

	var sink ArtifactSink
	if f.cfg.DebugMode {
		if ds := newDebugSink(f.cfg, f.runID, b.page); ds != nil {
			sink = ds
		}
	}

	checkout := NewCheckout(f.cfg, page, sink)
	return checkout.Claim(offer, sess), nil
}
