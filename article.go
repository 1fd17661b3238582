package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	maxArticleDescription = 600
	maxArticleBytes       = 2 << 20
	maxArticleRedirects   = 3
)

var errBlockedAddress = errors.New("address not allowed")

// ArticleFetcher pulls a short description out of a news article page so
// the analysis prompt has more than a headline to work with. Only public
// http(s) addresses are dialed, redirects included.
type ArticleFetcher struct {
	client *resty.Client

	// allowIP reports whether a resolved address may be dialed.
	allowIP func(net.IP) bool
}

func NewArticleFetcher(timeout time.Duration) *ArticleFetcher {
	f := &ArticleFetcher{allowIP: isPublicIP}

	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || !f.allowIP(ip) {
				return fmt.Errorf("%w: %s", errBlockedAddress, host)
			}
			return nil
		},
	}

	client := resty.New()
	client.SetTransport(&http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: timeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
	})
	client.SetTimeout(timeout)
	client.SetRedirectPolicy(
		resty.FlexibleRedirectPolicy(maxArticleRedirects),
		resty.RedirectPolicyFunc(func(req *http.Request, _ []*http.Request) error {
			return checkArticleURL(req.URL)
		}),
	)
	client.SetHeader("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	client.SetHeader("Accept", "text/html")
	f.client = client
	return f
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}

func checkArticleURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// Describe returns the page's meta description, falling back to its first
// substantial paragraph. At most maxArticleBytes of the page are read.
func (f *ArticleFetcher) Describe(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid article url: %w", err)
	}
	if err := checkArticleURL(u); err != nil {
		return "", err
	}

	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(u.String())
	if err != nil {
		return "", fmt.Errorf("failed to fetch article: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return "", fmt.Errorf("article returned status %d", resp.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxArticleBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %w", err)
	}
	return describeDocument(doc), nil
}

func describeDocument(doc *goquery.Document) string {
	for _, sel := range []string{
		`meta[property="og:description"]`,
		`meta[name="description"]`,
		`meta[name="twitter:description"]`,
	} {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			if content = strings.TrimSpace(content); content != "" {
				return clipText(content, maxArticleDescription)
			}
		}
	}

	var text string
	doc.Find("article p, main p, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		p := strings.Join(strings.Fields(s.Text()), " ")
		if len(p) >= 80 {
			text = p
			return false
		}
		return true
	})
	return clipText(text, maxArticleDescription)
}

func clipText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}
