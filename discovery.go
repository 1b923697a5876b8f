package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultPromotionsURL = "https://store-site-backend-static-ipv4.ak.epicgames.com/freeGamesPromotions"
	defaultExternalURL   = "https://freegamesepic.onrender.com/api/games"
)

// Offer is a claimable free promotional catalog entry. Namespace is the
// authoritative identity for ownership checks; the id is transient and does
// not match entitlement catalog ids. Slug is optional and only improves the
// product-page URL.
type Offer struct {
	Title     string `json:"title"`
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Slug      string `json:"slug"`
}

// Discovery queries the storefront's promotions feed for currently-free
// offers, falling back to an external tracker when the feed is unavailable.
type Discovery struct {
	cfg    *Config
	client *http.Client

	promotionsURL string
	externalURL   string
}

func NewDiscovery(cfg *Config) *Discovery {
	return &Discovery{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		promotionsURL: defaultPromotionsURL,
		externalURL:   defaultExternalURL,
	}
}

// FreeOffers returns the currently active 100%-off offers. Sources are
// tried in order; an empty result with no error means nothing is free
// right now.
func (d *Discovery) FreeOffers() ([]Offer, error) {
	offers, err := d.fetchPromotions()
	if err == nil && len(offers) > 0 {
		return offers, nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("promotions feed failed, trying external source")
	}

	external, extErr := d.fetchExternal()
	if extErr != nil {
		if err != nil {
			return nil, fmt.Errorf("all offer sources failed: %w", err)
		}
		log.Warn().Err(extErr).Msg("external offer source failed")
		return offers, nil
	}
	if len(external) > 0 {
		return external, nil
	}
	return offers, nil
}

func (d *Discovery) fetchPromotions() ([]Offer, error) {
	endpoint := fmt.Sprintf("%s?locale=%s&country=%s&allowCountries=%s",
		d.promotionsURL, d.cfg.Locale, d.cfg.Country, d.cfg.Country)

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("promotions request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().Str("url", d.promotionsURL).Int("status", resp.StatusCode).Msg("GET")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("promotions feed returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read promotions response: %w", err)
	}

	return parsePromotions(body, time.Now())
}

type pageMapping struct {
	PageSlug string `json:"pageSlug"`
	PageType string `json:"pageType"`
}

type promoWindow struct {
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	DiscountSetting struct {
		// Pointer distinguishes "0 = fully discounted" from the field
		// being absent entirely.
		DiscountPercentage *int `json:"discountPercentage"`
	} `json:"discountSetting"`
}

type promoElement struct {
	Title       string `json:"title"`
	ID          string `json:"id"`
	Namespace   string `json:"namespace"`
	ProductSlug string `json:"productSlug"`
	URLSlug     string `json:"urlSlug"`
	CatalogNs   struct {
		Mappings []pageMapping `json:"mappings"`
	} `json:"catalogNs"`
	OfferMappings []pageMapping `json:"offerMappings"`
	Promotions    *struct {
		PromotionalOffers []struct {
			PromotionalOffers []promoWindow `json:"promotionalOffers"`
		} `json:"promotionalOffers"`
	} `json:"promotions"`
}

// parsePromotions filters the promotions feed down to offers that are free
// (0% remaining price) and inside their promotional window at `now`.
func parsePromotions(data []byte, now time.Time) ([]Offer, error) {
	var feed struct {
		Data struct {
			Catalog struct {
				SearchStore struct {
					Elements []promoElement `json:"elements"`
				} `json:"searchStore"`
			} `json:"Catalog"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parse promotions feed: %w", err)
	}

	elements := feed.Data.Catalog.SearchStore.Elements
	log.Debug().Int("elements", len(elements)).Msg("promotions feed parsed")

	var offers []Offer
	for _, el := range elements {
		if !freeAndActive(el, now) {
			continue
		}
		offer := Offer{
			Title:     el.Title,
			ID:        el.ID,
			Namespace: el.Namespace,
			Slug:      bestSlug(el),
		}
		offers = append(offers, offer)
		log.Info().Str("title", offer.Title).Str("namespace", offer.Namespace).Msg("free offer found")
	}
	return offers, nil
}

func freeAndActive(el promoElement, now time.Time) bool {
	if el.Promotions == nil {
		return false
	}
	for _, group := range el.Promotions.PromotionalOffers {
		for _, w := range group.PromotionalOffers {
			if w.DiscountSetting.DiscountPercentage == nil || *w.DiscountSetting.DiscountPercentage != 0 {
				continue
			}
			if w.StartDate.IsZero() || w.EndDate.IsZero() {
				continue
			}
			if !now.Before(w.StartDate) && !now.After(w.EndDate) {
				return true
			}
		}
	}
	return false
}

// bestSlug picks the most reliable URL path segment for the offer, in
// order: the productHome catalog mapping, any catalog mapping, an offer
// mapping, then the offer's own slug fields.
func bestSlug(el promoElement) string {
	for _, m := range el.CatalogNs.Mappings {
		if m.PageType == "productHome" && m.PageSlug != "" {
			return m.PageSlug
		}
	}
	if len(el.CatalogNs.Mappings) > 0 && el.CatalogNs.Mappings[0].PageSlug != "" {
		return el.CatalogNs.Mappings[0].PageSlug
	}
	if len(el.OfferMappings) > 0 && el.OfferMappings[0].PageSlug != "" {
		return el.OfferMappings[0].PageSlug
	}
	if el.ProductSlug != "" {
		return el.ProductSlug
	}
	return el.URLSlug
}

func (d *Discovery) fetchExternal() ([]Offer, error) {
	req, err := http.NewRequest(http.MethodGet, d.externalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external source request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().Str("url", d.externalURL).Int("status", resp.StatusCode).Msg("GET")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external source returned HTTP %d", resp.StatusCode)
	}

	var feed struct {
		CurrentGames []Offer `json:"currentGames"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parse external source: %w", err)
	}

	var offers []Offer
	for _, o := range feed.CurrentGames {
		if o.Namespace == "" {
			continue
		}
		if o.Title == "" {
			o.Title = "Unknown"
		}
		offers = append(offers, o)
		log.Info().Str("title", o.Title).Msg("free offer found (external)")
	}
	return offers, nil
}
