// Package headlessadapter implements the platform adapter contract with a
// headless Chrome browser for sites that require JavaScript rendering.
package headlessadapter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/leadgrid/scraperd/internal/platform"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/task"
)

// Config controls the shared browser allocator.
type Config struct {
	MaxParallel int
	UserAgent   string
	NavTimeout  time.Duration
}

// Adapter creates chromedp-backed sessions for one platform key. All
// sessions share one exec allocator; MaxParallel bounds concurrent tabs.
type Adapter struct {
	key         string
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New builds an Adapter and its browser allocator.
func New(key string, cfg Config) (*Adapter, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Adapter{
		key:         key,
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Key returns the platform key this adapter serves.
func (a *Adapter) Key() string { return a.key }

// Close tears down the browser allocator.
func (a *Adapter) Close() {
	if a.allocCancel != nil {
		a.allocCancel()
	}
}

// OpenSession opens a browser tab for the task.
func (a *Adapter) OpenSession(_ context.Context, info protocol.PlatformInfo, opts platform.SessionOptions) (platform.Session, error) {
	if info.SearchURL == "" && info.BaseURL == "" {
		return nil, fmt.Errorf("platform %q: search or base URL is required", a.key)
	}
	if a.limiter != nil {
		a.limiter <- struct{}{}
	}
	tabCtx, tabCancel := chromedp.NewContext(a.allocator)

	ua := opts.UserAgent
	if ua == "" {
		ua = a.cfg.UserAgent
	}
	navTimeout := opts.NavTimeout
	if navTimeout <= 0 {
		navTimeout = a.cfg.NavTimeout
	}
	return &session{
		adapter:    a,
		tabCtx:     tabCtx,
		tabCancel:  tabCancel,
		info:       info,
		userAgent:  ua,
		navTimeout: navTimeout,
		delay:      opts.Delay,
		page:       1,
	}, nil
}

type session struct {
	adapter    *Adapter
	tabCtx     context.Context
	tabCancel  context.CancelFunc
	info       protocol.PlatformInfo
	userAgent  string
	navTimeout time.Duration
	delay      time.Duration
	page       int
	closed     bool
}

// extracted mirrors the JS projection evaluated in the page.
type extracted struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Website string `json:"website"`
	Rating  string `json:"rating"`
	URL     string `json:"url"`
}

// SearchBusinesses renders the current results page and extracts records.
func (s *session) SearchBusinesses(ctx context.Context, keywords []string, location string) ([]task.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	target, err := s.searchURL(keywords, location)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(s.tabCtx, s.navTimeout)
	defer cancel()

	var rows []extracted
	actions := []chromedp.Action{
		network.Enable(),
	}
	if s.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(s.userAgent))
	}
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(s.extractScript(), &rows),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("search cancelled: %w", ctx.Err())
		default:
		}
		return nil, fmt.Errorf("render %s: %w", target, err)
	}

	challenged, challengeErr := s.detectChallenge(runCtx, target)
	if challengeErr != nil {
		return nil, challengeErr
	}
	if challenged != nil {
		return nil, challenged
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("search cancelled: %w", ctx.Err())
		}
	}

	results := make([]task.Result, 0, len(rows))
	for _, row := range rows {
		if row.Name == "" {
			continue
		}
		r := task.Result{
			Name:     row.Name,
			Address:  row.Address,
			Phone:    row.Phone,
			Website:  row.Website,
			URL:      row.URL,
			Page:     s.page,
			Platform: s.adapter.key,
			FoundAt:  time.Now().UTC(),
		}
		if row.Rating != "" {
			if rating, convErr := strconv.ParseFloat(row.Rating, 64); convErr == nil {
				r.Rating = rating
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// ExtractDetail renders a record's own page for contact fields.
func (s *session) ExtractDetail(_ context.Context, ref task.Result) (task.Result, error) {
	if ref.URL == "" || s.closed {
		return ref, nil
	}
	runCtx, cancel := context.WithTimeout(s.tabCtx, s.navTimeout)
	defer cancel()

	enriched := ref
	var phone, website string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(ref.URL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(s.childText("detail_phone"), &phone),
		chromedp.Evaluate(s.childAttr("detail_website", "href"), &website),
	)
	if err != nil {
		return ref, fmt.Errorf("render detail %s: %w", ref.URL, err)
	}
	if challenged, challengeErr := s.detectChallenge(runCtx, ref.URL); challengeErr != nil {
		return ref, challengeErr
	} else if challenged != nil {
		return ref, challenged
	}
	if phone != "" {
		enriched.Phone = phone
	}
	if website != "" {
		enriched.Website = website
	}
	return enriched, nil
}

// NextPage advances the pagination cursor; false once maxPages is reached.
func (s *session) NextPage(_ context.Context, maxPages int) (bool, error) {
	if s.closed {
		return false, fmt.Errorf("session is closed")
	}
	if s.page >= maxPages {
		return false, nil
	}
	s.page++
	return true, nil
}

// Close releases the tab and its parallelism slot.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.tabCancel()
	if s.adapter.limiter != nil {
		<-s.adapter.limiter
	}
	return nil
}

// detectChallenge inspects the rendered page for anti-bot interstitials.
func (s *session) detectChallenge(runCtx context.Context, pageURL string) (*task.AntiBotError, error) {
	const script = `(() => {
		const text = (document.body && document.body.innerText || '').toLowerCase();
		if (text.includes('captcha') || text.includes('unusual traffic') || text.includes('are you a robot')) {
			return 'captcha';
		}
		if (document.querySelector('iframe[src*="recaptcha"], iframe[src*="hcaptcha"], #challenge-form')) {
			return 'anti_bot';
		}
		return '';
	})()`
	var kind string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &kind)); err != nil {
		return nil, fmt.Errorf("challenge probe: %w", err)
	}
	switch kind {
	case "captcha":
		return &task.AntiBotError{Kind: task.NotifyCaptcha, URL: pageURL}, nil
	case "anti_bot":
		return &task.AntiBotError{Kind: task.NotifyAntiBot, URL: pageURL}, nil
	default:
		return nil, nil
	}
}

func (s *session) searchURL(keywords []string, location string) (string, error) {
	base := s.info.SearchURL
	if base == "" {
		base = strings.TrimRight(s.info.BaseURL, "/") + "/search"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse search url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("q", strings.Join(keywords, " "))
	if location != "" {
		q.Set("location", location)
	}
	if s.page > 1 {
		q.Set("page", strconv.Itoa(s.page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *session) extractScript() string {
	sel := func(key, fallback string) string {
		if v, ok := s.info.Selectors[key]; ok && v != "" {
			return v
		}
		return fallback
	}
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(el => ({
		name: (el.querySelector(%q)?.textContent || '').trim(),
		address: (el.querySelector(%q)?.textContent || '').trim(),
		phone: (el.querySelector(%q)?.textContent || '').trim(),
		website: el.querySelector(%q)?.href || '',
		rating: (el.querySelector(%q)?.textContent || '').trim(),
		url: el.querySelector(%q)?.href || ''
	}))`,
		sel("result", ".result"),
		sel("name", ".name"),
		sel("address", ".address"),
		sel("phone", ".phone"),
		sel("website", "a"),
		sel("rating", ".rating"),
		sel("link", "a"),
	)
}

func (s *session) childText(key string) string {
	sel, ok := s.info.Selectors[key]
	if !ok || sel == "" {
		return `''`
	}
	return fmt.Sprintf(`(document.querySelector(%q)?.textContent || '').trim()`, sel)
}

func (s *session) childAttr(key, attr string) string {
	sel, ok := s.info.Selectors[key]
	if !ok || sel == "" {
		return `''`
	}
	return fmt.Sprintf(`document.querySelector(%q)?.getAttribute(%q) || ''`, sel, attr)
}
