package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

func parseHTML(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestDescribeDocument(t *testing.T) {
	long := strings.Repeat("Shares of the chipmaker rose sharply after guidance beat. ", 3)

	tests := []struct {
		name string
		html string
		want string
	}{
		{
			"open graph wins",
			`<head><meta name="description" content="plain"><meta property="og:description" content=" og text "></head>`,
			"og text",
		},
		{
			"meta description",
			`<head><meta name="description" content="plain description"></head><body><p>` + long + `</p></body>`,
			"plain description",
		},
		{
			"twitter card",
			`<head><meta name="twitter:description" content="tweet text"></head>`,
			"tweet text",
		},
		{
			"blank meta falls through",
			`<head><meta property="og:description" content="   "></head><body><p>short</p><p>` + long + `</p></body>`,
			strings.TrimSpace(long),
		},
		{
			"nothing usable",
			`<body><p>too short</p></body>`,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeDocument(parseHTML(t, tt.html)); got != tt.want {
				t.Errorf("describeDocument() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClipText(t *testing.T) {
	if got := clipText("short", 10); got != "short" {
		t.Errorf("clipText(short) = %q", got)
	}
	if got := clipText("héllo wörld", 2); got != "hé…" {
		t.Errorf("clipText multibyte = %q", got)
	}
	got := clipText(strings.Repeat("a", 700), maxArticleDescription)
	if len([]rune(got)) != maxArticleDescription+1 || !strings.HasSuffix(got, "…") {
		t.Errorf("clipText long = %d runes", len([]rune(got)))
	}
}

func TestArticleFetcherDescribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		if !strings.Contains(r.Header.Get("User-Agent"), "Mozilla") {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		io.WriteString(w, `<html><head><meta name="description" content="Earnings beat."></head></html>`)
	}))
	defer srv.Close()

	f := NewArticleFetcher(2 * time.Second)
	f.allowIP = func(net.IP) bool { return true }

	got, err := f.Describe(context.Background(), srv.URL+"/story")
	if err != nil || got != "Earnings beat." {
		t.Errorf("Describe() = %q, %v", got, err)
	}
	if _, err := f.Describe(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("Describe() of a 404 page should fail")
	}
}

func TestArticleFetcherRefusesInternalAddresses(t *testing.T) {
	fetched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
		io.WriteString(w, `<meta name="description" content="internal only">`)
	}))
	defer srv.Close()

	f := NewArticleFetcher(2 * time.Second)
	_, err := f.Describe(context.Background(), srv.URL+"/admin")
	if !errors.Is(err, errBlockedAddress) {
		t.Errorf("Describe(loopback) error = %v, want errBlockedAddress", err)
	}
	if fetched {
		t.Error("loopback server was contacted")
	}

	for _, u := range []string{"file:///etc/passwd", "gopher://example.com/", "http:///nohost", "::bad"} {
		if _, err := f.Describe(context.Background(), u); err == nil {
			t.Errorf("Describe(%q) succeeded", u)
		}
	}
}

func TestArticleFetcherRedirectScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "ftp://files.example.com/secret", http.StatusFound)
	}))
	defer srv.Close()

	f := NewArticleFetcher(2 * time.Second)
	f.allowIP = func(net.IP) bool { return true }
	if _, err := f.Describe(context.Background(), srv.URL); err == nil {
		t.Error("redirect to a non-http scheme was followed")
	}
}

func TestArticleFetcherBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html><body>"+strings.Repeat("x", maxArticleBytes))
		io.WriteString(w, `<meta name="description" content="past the cap"></body></html>`)
	}))
	defer srv.Close()

	f := NewArticleFetcher(5 * time.Second)
	f.allowIP = func(net.IP) bool { return true }
	got, err := f.Describe(context.Background(), srv.URL)
	if err != nil || got != "" {
		t.Errorf("Describe() = %q, %v", got, err)
	}
}

func TestIsPublicIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"93.184.216.34", true},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
		{"127.0.0.1", false},
		{"::1", false},
		{"10.0.0.8", false},
		{"172.16.4.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"fe80::1", false},
		{"0.0.0.0", false},
		{"::ffff:127.0.0.1", false},
	}
	for _, tt := range tests {
		if got := isPublicIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isPublicIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
