package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	sessionCookie      = "access_token"
	sessionExpired     = "Session expired. Please log in again."
	chatConnectError   = "Failed to connect to chat service. Please try again later."
	chatConnectReply   = "I'm having trouble connecting right now. Please check your connection and try again."
	chatDefaultError   = "Failed to process chat message"
	chatPendingReply   = "I'm processing your request..."
	invalidRequestBody = "Invalid request body"
)

// proxyRoute maps one same-origin route onto a backend endpoint. A
// ":symbol" segment in Backend is filled from the route parameter.
type proxyRoute struct {
	Method        string
	Route         string
	Backend       string
	Timeout       time.Duration
	FailureDetail string
}

var backendRoutes = []proxyRoute{
	{http.MethodGet, "/watchlist", "/watchlist", 0, "Failed to load watchlist"},
	{http.MethodPost, "/watchlist", "/watchlist", 0, "Failed to add to watchlist"},
	{http.MethodDelete, "/watchlist/:symbol", "/watchlist/:symbol", 0, "Failed to remove from watchlist"},

	{http.MethodGet, "/pattern-trends", "/pattern-trends", 10 * time.Second, "Failed to load pattern trends"},
	{http.MethodPost, "/pattern-trends", "/pattern-trends", 10 * time.Second, "Failed to add pattern trend"},
	{http.MethodDelete, "/pattern-trends/:symbol", "/pattern-trends/:symbol", 10 * time.Second, "Failed to remove pattern trend"},

	{http.MethodGet, "/risk-management", "/risk-management/settings", 0, "Failed to load risk settings"},
	{http.MethodPut, "/risk-management", "/risk-management/settings", 0, "Failed to save risk settings"},

	{http.MethodPost, "/change-password", "/auth/change-password", 0, "Failed to change password"},
	{http.MethodPost, "/login", "/auth/login", 10 * time.Second, "Login failed"},
	{http.MethodPost, "/register", "/auth/register", 0, "Registration failed"},
}

var (
	acceptDisclaimerRoute = proxyRoute{http.MethodPost, "/accept-disclaimer", "/auth/accept-disclaimer", 0, "Failed to accept disclaimer"}
	meRoute               = proxyRoute{http.MethodGet, "/me", "/auth/me", 0, "Unable to verify session"}
	logoutRoute           = proxyRoute{http.MethodPost, "/logout", "/auth/logout", 0, "Logout failed"}
	chatHistoryRoute      = proxyRoute{http.MethodGet, "/market-chat", "/chat/messages", 0, chatDefaultError}
	chatMessageRoute      = proxyRoute{http.MethodPost, "/market-chat", "/chat/message", 0, chatDefaultError}
)

// BackendProxy forwards account and settings requests to the backend
// service and relays its replies. The client keeps no cookies of its own;
// each request carries only the caller's session.
type BackendProxy struct {
	client  *resty.Client
	baseURL string
	appURL  string
}

func NewBackendProxy(cfg *Config) *BackendProxy {
	baseURL := cfg.BackendURL()

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetCookieJar(nil)
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	log.Printf("[Proxy] Backend resolved to %s", baseURL)
	return &BackendProxy{
		client:  client,
		baseURL: baseURL,
		appURL:  strings.TrimRight(cfg.Backend.AppURL, "/"),
	}
}

// Register mounts every proxied route on the group.
func (p *BackendProxy) Register(api *gin.RouterGroup) {
	for _, route := range backendRoutes {
		api.Handle(route.Method, route.Route, func(c *gin.Context) {
			p.Forward(c, route)
		})
	}
	api.POST(acceptDisclaimerRoute.Route, p.acceptDisclaimer)
	api.GET(meRoute.Route, p.me)
	api.POST(logoutRoute.Route, p.logout)
	api.GET(chatHistoryRoute.Route, p.chatHistory)
	api.POST(chatMessageRoute.Route, p.chatMessage)
}

// Forward sends the inbound request to the backend and relays the reply.
func (p *BackendProxy) Forward(c *gin.Context, route proxyRoute) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": invalidRequestBody})
		return
	}
	p.forwardBody(c, route, body)
}

func (p *BackendProxy) forwardBody(c *gin.Context, route proxyRoute, body []byte) {
	resp, err := p.do(c, route, body)
	if err != nil {
		p.fail(c, route, err)
		return
	}
	p.relay(c, resp, route.FailureDetail)
}

func (p *BackendProxy) do(c *gin.Context, route proxyRoute, body []byte) (*resty.Response, error) {
	ctx := c.Request.Context()
	if route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
		defer cancel()
	}

	req := p.client.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if cookie := c.GetHeader("Cookie"); cookie != "" {
		req.SetHeader("Cookie", cookie)
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		req.SetHeader("Authorization", auth)
	}
	if c.Request.URL.RawQuery != "" {
		req.SetQueryString(c.Request.URL.RawQuery)
	}
	if len(body) > 0 {
		contentType := c.GetHeader("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		req.SetHeader("Content-Type", contentType).SetBody(body)
	}

	return req.Execute(route.Method, backendPath(c, route.Backend))
}

func backendPath(c *gin.Context, path string) string {
	if symbol := c.Param("symbol"); symbol != "" {
		path = strings.Replace(path, ":symbol", url.PathEscape(symbol), 1)
	}
	return path
}

// relay writes the backend status and body. JSON passes through untouched;
// anything else is wrapped so the caller always receives JSON.
func (p *BackendProxy) relay(c *gin.Context, resp *resty.Response, failureDetail string) {
	copySetCookies(c, resp)

	body := resp.Body()
	if len(body) > 0 && json.Valid(body) {
		c.Data(resp.StatusCode(), "application/json; charset=utf-8", body)
		return
	}
	if resp.IsSuccess() {
		c.JSON(resp.StatusCode(), gin.H{"message": strings.TrimSpace(string(body))})
		return
	}
	c.JSON(resp.StatusCode(), gin.H{"detail": failureDetail})
}

func (p *BackendProxy) fail(c *gin.Context, route proxyRoute, err error) {
	status, detail := classifyProxyError(err, p.baseURL)
	log.Printf("[Proxy] %s %s failed (%d): %v", route.Method, route.Backend, status, err)
	c.JSON(status, gin.H{"detail": detail})
}

// copySetCookies copies every Set-Cookie value byte for byte.
func copySetCookies(c *gin.Context, resp *resty.Response) {
	for _, v := range resp.Header().Values("Set-Cookie") {
		c.Writer.Header().Add("Set-Cookie", v)
	}
}

// classifyProxyError maps a transport failure onto a status and an
// explanatory detail: 504 for timeouts, 503 for refused connections and
// 500 for anything else.
func classifyProxyError(err error, backend string) (int, string) {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout, fmt.Sprintf("Backend connection timeout. The backend at %s is not responding.", backend)
	case errors.Is(err, syscall.ECONNREFUSED):
		return http.StatusServiceUnavailable, fmt.Sprintf("Cannot connect to backend at %s. Please ensure it is running.", backend)
	default:
		return http.StatusInternalServerError, fmt.Sprintf("Backend connection failed. Error: %v", err)
	}
}

func (p *BackendProxy) acceptDisclaimer(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": invalidRequestBody})
		return
	}
	p.forwardBody(c, acceptDisclaimerRoute, body)
}

// me relays the session check; a 401 also clears the session cookie.
func (p *BackendProxy) me(c *gin.Context) {
	resp, err := p.do(c, meRoute, nil)
	if err != nil {
		p.fail(c, meRoute, err)
		return
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		log.Println("[Proxy] Unauthorized from backend")
		copySetCookies(c, resp)
		c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
		c.JSON(http.StatusUnauthorized, gin.H{"detail": sessionExpired})
		return
	}
	p.relay(c, resp, meRoute.FailureDetail)
}

// logout always ends in a redirect home, even when the backend is down.
func (p *BackendProxy) logout(c *gin.Context) {
	resp, err := p.do(c, logoutRoute, nil)
	if err != nil {
		log.Printf("[Proxy] Logout call failed: %v", err)
	} else {
		copySetCookies(c, resp)
	}
	c.Redirect(http.StatusFound, p.appURL+"/")
}

// chatHistory degrades to an empty history on any failure.
func (p *BackendProxy) chatHistory(c *gin.Context) {
	resp, err := p.do(c, chatHistoryRoute, nil)
	if err != nil {
		log.Printf("[Proxy] Chat history unavailable: %v", err)
		c.JSON(http.StatusOK, gin.H{"messages": []any{}})
		return
	}
	if !resp.IsSuccess() || !json.Valid(resp.Body()) {
		c.JSON(http.StatusOK, gin.H{"messages": []any{}})
		return
	}
	copySetCookies(c, resp)
	c.Data(http.StatusOK, "application/json; charset=utf-8", resp.Body())
}

func (p *BackendProxy) chatMessage(c *gin.Context) {
	var req struct {
		Message any `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}
	message, ok := req.Message.(string)
	if !ok || message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}

	c.Request.Header.Set("Content-Type", "application/json")
	payload, _ := json.Marshal(gin.H{"message": message})
	resp, err := p.do(c, chatMessageRoute, payload)
	if err != nil {
		log.Printf("[Proxy] Chat backend unreachable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": chatConnectError, "response": chatConnectReply})
		return
	}

	if !resp.IsSuccess() {
		msg := gjson.GetBytes(resp.Body(), "detail").String()
		if msg == "" {
			msg = gjson.GetBytes(resp.Body(), "error").String()
		}
		if msg == "" {
			msg = chatDefaultError
		}
		c.JSON(resp.StatusCode(), gin.H{
			"error":    msg,
			"response": fmt.Sprintf("Sorry, I encountered an error: %s. Please try again.", msg),
		})
		return
	}

	copySetCookies(c, resp)
	if !json.Valid(resp.Body()) {
		c.JSON(http.StatusOK, gin.H{"response": chatPendingReply})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", resp.Body())
}
