package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/html"

	"github.com/Lllllllleong/lpisingest/internal/retry"
)

// Catalogue resolves French LPIS archive locators from the IGN RPG download page.
type Catalogue struct {
	pageURL string
	client  *retryablehttp.Client
}

func NewCatalogue(pageURL string, policy retry.Policy) *Catalogue {
	client := retryablehttp.NewClient()
	client.Logger = slog.Default()
	client.RetryMax = policy.MaxAttempts - 1
	if client.RetryMax < 0 {
		client.RetryMax = 0
	}
	if policy.InitialInterval > 0 {
		client.RetryWaitMin = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		client.RetryWaitMax = policy.MaxInterval
	}
	return &Catalogue{pageURL: pageURL, client: client}
}

// RegionCode is the archive name fragment of a region: overseas departments are D97x,
// metropolitan regions Rxx.
func RegionCode(region int) string {
	switch region {
	case 1, 2, 3, 4, 6:
		return fmt.Sprintf("D97%d", region)
	default:
		return fmt.Sprintf("R%d", region)
	}
}

func archivePattern(campaign, region int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`RPG_2-0__SHP_.*_%s-%d_%d-01-01\.7z(\.001)?$`,
		regexp.QuoteMeta(RegionCode(region)), campaign, campaign))
}

// Resolve returns the absolute URL of the single archive published for campaign and region.
func (c *Catalogue) Resolve(ctx context.Context, campaign, region int) (string, error) {
	logCtx := slog.With("catalogue", c.pageURL, "campaign", campaign, "region", RegionCode(region))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build catalogue request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: catalogue fetch failed: %w", ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: catalogue returned status %d", ErrDependencyUnavailable, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: catalogue page unparseable: %w", ErrDependencyUnavailable, err)
	}

	pattern := archivePattern(campaign, region)
	var links []string
	for _, href := range archiveLinks(doc) {
		if pattern.MatchString(href) {
			links = append(links, href)
		}
	}
	if len(links) != 1 {
		logCtx.Warn("Archive not uniquely listed in catalogue.", "matches", len(links), "pattern", pattern.String())
		return "", &ValidationError{
			Field:  "region",
			Reason: fmt.Sprintf("found %d archive(s) for campaign %d and region %s, want exactly 1", len(links), campaign, RegionCode(region)),
		}
	}

	base, err := url.Parse(c.pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid catalogue url: %w", err)
	}
	ref, err := url.Parse(links[0])
	if err != nil {
		return "", &ValidationError{Field: "region", Reason: "catalogue link is not a valid url"}
	}
	locator := base.ResolveReference(ref).String()
	logCtx.Info("Archive resolved from catalogue.", "sourceLocator", locator)
	return locator, nil
}

// archiveLinks collects the hrefs of the download anchors (class "fleche2").
func archiveLinks(n *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			download := false
			for _, a := range n.Attr {
				switch a.Key {
				case "href":
					href = strings.TrimSpace(a.Val)
				case "class":
					for _, cls := range strings.Fields(a.Val) {
						if cls == "fleche2" {
							download = true
						}
					}
				}
			}
			if download && href != "" {
				out = append(out, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}
