// Package collyadapter implements the platform adapter contract for plain
// HTTP directory sites using the Colly collector.
package collyadapter

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/leadgrid/scraperd/internal/platform"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/task"
)

// Selector keys the adapter understands. Missing keys degrade to empty
// fields rather than failing the scrape.
const (
	selResult  = "result"
	selName    = "name"
	selAddress = "address"
	selPhone   = "phone"
	selWebsite = "website"
	selRating  = "rating"
	selLink    = "link"
)

// challengeMarkers are body substrings that indicate an anti-bot challenge on
// an otherwise successful response.
var challengeMarkers = []string{"captcha", "are you a robot", "unusual traffic"}

// Adapter creates Colly-backed sessions for one platform key.
type Adapter struct {
	key string
}

// New constructs an Adapter for the given platform key.
func New(key string) *Adapter {
	return &Adapter{key: key}
}

// Key returns the platform key this adapter serves.
func (a *Adapter) Key() string { return a.key }

// OpenSession builds a collector configured per the platform info and task
// options.
func (a *Adapter) OpenSession(_ context.Context, info protocol.PlatformInfo, opts platform.SessionOptions) (platform.Session, error) {
	if info.SearchURL == "" && info.BaseURL == "" {
		return nil, fmt.Errorf("platform %q: search or base URL is required", a.key)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = info.UserAgent
	}
	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if opts.NavTimeout > 0 {
		c.SetRequestTimeout(opts.NavTimeout)
	}
	if opts.Delay > 0 {
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Delay:       opts.Delay,
			Parallelism: 1,
		}); err != nil {
			return nil, fmt.Errorf("configure collector delay: %w", err)
		}
	}
	return &session{
		collector: c,
		info:      info,
		page:      1,
		platform:  a.key,
	}, nil
}

// session is one pagination walk over a platform's search results.
type session struct {
	collector *colly.Collector
	info      protocol.PlatformInfo
	platform  string
	page      int
	closed    bool
}

// SearchBusinesses scrapes the session's current page.
func (s *session) SearchBusinesses(ctx context.Context, keywords []string, location string) ([]task.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	target, err := s.searchURL(keywords, location)
	if err != nil {
		return nil, err
	}

	var (
		results  []task.Result
		antiBot  *task.AntiBotError
		resultEl = s.selector(selResult)
	)
	c := s.collector.Clone()
	c.Context = ctx
	c.OnHTML(resultEl, func(e *colly.HTMLElement) {
		r := task.Result{
			Name:     strings.TrimSpace(e.ChildText(s.selector(selName))),
			Address:  strings.TrimSpace(e.ChildText(s.selector(selAddress))),
			Phone:    strings.TrimSpace(e.ChildText(s.selector(selPhone))),
			Website:  e.ChildAttr(s.selector(selWebsite), "href"),
			URL:      e.Request.AbsoluteURL(e.ChildAttr(s.selector(selLink), "href")),
			Page:     s.page,
			Platform: s.platform,
			FoundAt:  time.Now().UTC(),
		}
		if ratingText := strings.TrimSpace(e.ChildText(s.selector(selRating))); ratingText != "" {
			if rating, convErr := strconv.ParseFloat(ratingText, 64); convErr == nil {
				r.Rating = rating
			}
		}
		if r.Name != "" {
			results = append(results, r)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		if containsChallenge(r.Body) {
			antiBot = &task.AntiBotError{Kind: task.NotifyCaptcha, URL: r.Request.URL.String()}
		}
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil && (r.StatusCode == 403 || r.StatusCode == 429) {
			antiBot = &task.AntiBotError{Kind: task.NotifyAntiBot, URL: r.Request.URL.String()}
		}
	})

	visitErr := c.Visit(target)
	c.Wait()
	if antiBot != nil {
		return nil, antiBot
	}
	if visitErr != nil {
		return nil, fmt.Errorf("visit %s: %w", target, visitErr)
	}
	return results, nil
}

// ExtractDetail visits a result's own page to fill in contact fields.
func (s *session) ExtractDetail(ctx context.Context, ref task.Result) (task.Result, error) {
	if ref.URL == "" {
		return ref, nil
	}
	enriched := ref
	var antiBot *task.AntiBotError

	c := s.collector.Clone()
	c.Context = ctx
	c.OnHTML("body", func(e *colly.HTMLElement) {
		if phone := strings.TrimSpace(e.ChildText(s.selector("detail_phone"))); phone != "" {
			enriched.Phone = phone
		}
		if site := e.ChildAttr(s.selector("detail_website"), "href"); site != "" {
			enriched.Website = site
		}
	})
	c.OnResponse(func(r *colly.Response) {
		if containsChallenge(r.Body) {
			antiBot = &task.AntiBotError{Kind: task.NotifyCaptcha, URL: r.Request.URL.String()}
		}
	})

	if err := c.Visit(ref.URL); err != nil && antiBot == nil {
		return ref, fmt.Errorf("visit detail %s: %w", ref.URL, err)
	}
	c.Wait()
	if antiBot != nil {
		return ref, antiBot
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

// Close marks the session unusable. The collector holds no OS resources.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// searchURL builds the query URL for the current page.
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

func (s *session) selector(key string) string {
	if sel, ok := s.info.Selectors[key]; ok && sel != "" {
		return sel
	}
	// Sensible defaults so a minimal platform config still yields records.
	switch key {
	case selResult:
		return ".result"
	case selName:
		return ".name"
	case selAddress:
		return ".address"
	case selPhone:
		return ".phone"
	case selWebsite, selLink:
		return "a"
	default:
		return ""
	}
}

func containsChallenge(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}
