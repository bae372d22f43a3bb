// Package matomo is a client for the Matomo Reporting API. It issues
// the handful of fixed report calls the bridge needs and parses each
// response into flat, non-negative integer metrics.
//
// Every call is a POST to <base>/index.php with module, method and
// format in the query string. The auth token and report parameters go
// in the form body so the token never appears in a URL, access log, or
// proxy log.
package matomo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/matomo-bridge/internal/config"
	"github.com/nugget/matomo-bridge/internal/httpkit"
)

// maxBodyBytes bounds how much of a response is read. Report rows are
// small; anything larger is almost certainly not the API.
const maxBodyBytes = 4 << 20

// Observer is notified after every API call. The metrics package
// implements it; nil is allowed.
type Observer interface {
	ObserveRequest(method string, err error, elapsed time.Duration)
}

// Options configures a Client.
type Options struct {
	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS verification for self-signed
	// installations.
	InsecureSkipVerify bool

	// HTTPClient overrides the client built from Timeout and
	// InsecureSkipVerify. Used by tests.
	HTTPClient *http.Client

	Observer Observer
	Logger   *slog.Logger
}

// Client talks to one Matomo instance with one token.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	observer   Observer
	logger     *slog.Logger
}

// NewClient creates a client for the Matomo installation at baseURL.
// baseURL may include a trailing slash or /index.php.
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	hc := opts.HTTPClient
	if hc == nil {
		httpOpts := []httpkit.ClientOption{httpkit.WithTimeout(opts.Timeout)}
		if opts.InsecureSkipVerify {
			httpOpts = append(httpOpts, httpkit.WithTLSInsecureSkipVerify())
		}
		hc = httpkit.NewClient(httpOpts...)
	}

	return &Client{
		endpoint:   NormalizeBaseURL(baseURL) + "/index.php",
		token:      token,
		httpClient: hc,
		observer:   opts.Observer,
		logger:     opts.Logger,
	}
}

// NormalizeBaseURL trims whitespace, trailing slashes and a trailing
// /index.php. The result identifies a Matomo installation.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/index.php")
	return strings.TrimRight(u, "/")
}

// ValidateBaseURL checks that raw is an absolute http(s) URL.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(NormalizeBaseURL(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Version returns the Matomo version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	const method = "API.getMatomoVersion"
	body, err := c.call(ctx, method, nil)
	if err != nil {
		return "", err
	}
	var v struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &v); err != nil || v.Value == "" {
		return "", c.malformed(method, body, err)
	}
	return v.Value, nil
}

// Sites lists every site the token has at least view access to.
func (c *Client) Sites(ctx context.Context) ([]Site, error) {
	const method = "SitesManager.getSitesWithAtLeastViewAccess"
	body, err := c.call(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	var sites []Site
	if err := json.Unmarshal(body, &sites); err != nil {
		return nil, c.malformed(method, body, err)
	}
	return sites, nil
}

// Site returns a single site by ID.
func (c *Client) Site(ctx context.Context, siteID int) (Site, error) {
	const method = "SitesManager.getSiteFromId"
	body, err := c.call(ctx, method, url.Values{"idSite": {strconv.Itoa(siteID)}})
	if err != nil {
		return Site{}, err
	}
	var site Site
	if err := json.Unmarshal(body, &site); err != nil {
		// Older versions wrap the row in an array.
		var rows []Site
		if err2 := json.Unmarshal(body, &rows); err2 != nil || len(rows) == 0 {
			return Site{}, c.malformed(method, body, err)
		}
		site = rows[0]
	}
	return site, nil
}

// VisitSummary returns VisitsSummary.get for one site and period.
func (c *Client) VisitSummary(ctx context.Context, siteID int, period Period) (Metrics, error) {
	return c.report(ctx, "VisitsSummary.get", strconv.Itoa(siteID), period)
}

// Actions returns Actions.get (page views, downloads, outlinks) for one
// site and period.
func (c *Client) Actions(ctx context.Context, siteID int, period Period) (Metrics, error) {
	return c.report(ctx, "Actions.get", strconv.Itoa(siteID), period)
}

// LiveCounters returns Live.getCounters for the last lastMinutes
// minutes: visitors, visits, actions, visitsConverted.
func (c *Client) LiveCounters(ctx context.Context, siteID, lastMinutes int) (Metrics, error) {
	const method = "Live.getCounters"
	body, err := c.call(ctx, method, url.Values{
		"idSite":      {strconv.Itoa(siteID)},
		"lastMinutes": {strconv.Itoa(lastMinutes)},
	})
	if err != nil {
		return nil, err
	}
	m, err := parseMetrics(body)
	if err != nil {
		return nil, c.malformed(method, body, err)
	}
	return m, nil
}

// AllSitesSummary sums VisitsSummary.get and Actions.get across every
// site visible to the token (idSite=all).
func (c *Client) AllSitesSummary(ctx context.Context, period Period) (Metrics, error) {
	total := Metrics{}
	for _, method := range []string{"VisitsSummary.get", "Actions.get"} {
		body, err := c.call(ctx, method, reportParams("all", period))
		if err != nil {
			return nil, err
		}
		m, err := parseSiteTable(body)
		if err != nil {
			return nil, c.malformed(method, body, err)
		}
		total.Add(m)
	}
	return total, nil
}

func (c *Client) report(ctx context.Context, method, idSite string, period Period) (Metrics, error) {
	body, err := c.call(ctx, method, reportParams(idSite, period))
	if err != nil {
		return nil, err
	}
	m, err := parseMetrics(body)
	if err != nil {
		return nil, c.malformed(method, body, err)
	}
	return m, nil
}

func reportParams(idSite string, period Period) url.Values {
	return url.Values{
		"idSite": {idSite},
		"period": {string(period)},
		"date":   {"today"},
	}
}

// call performs one API request and returns the raw JSON body after
// checking transport status and Matomo's error envelope.
func (c *Client) call(ctx context.Context, method string, params url.Values) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(method, err, time.Since(start))
		}
	}()

	form := url.Values{"token_auth": {c.token}}
	for k, v := range params {
		form[k] = v
	}

	query := url.Values{
		"module": {"API"},
		"method": {method},
		"format": {"JSON"},
	}
	reqURL := c.endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: ErrConnectivity, Method: method, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("matomo api call", "method", method, "endpoint", c.endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrConnectivity, Method: method, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: ErrAuth, Method: method, Status: resp.StatusCode,
			Message: strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 256))}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: ErrConnectivity, Method: method, Status: resp.StatusCode,
			Message: strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 256))}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: ErrAPI, Method: method, Status: resp.StatusCode,
			Message: strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 256))}
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: ErrConnectivity, Method: method, Message: "read body", Err: err}
	}

	c.logger.Log(ctx, config.LevelTrace, "matomo api response",
		"method", method, "status", resp.StatusCode, "body", truncate(string(body), 500))

	if looksLikeHTML(body) {
		msg := "received HTML instead of JSON, check the Matomo URL"
		if title := htmlTitle(body); title != "" {
			msg += fmt.Sprintf(" (page title %q)", title)
		}
		return nil, &Error{Kind: ErrMalformed, Method: method, Status: resp.StatusCode, Message: msg}
	}

	if !json.Valid(body) {
		return nil, c.malformed(method, body, nil)
	}

	var envelope struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Result == "error" {
		msg := envelope.Message
		if msg == "" {
			msg = "unknown Matomo API error"
		}
		kind := ErrAPI
		if isAuthMessage(msg) {
			kind = ErrAuth
		}
		return nil, &Error{Kind: kind, Method: method, Status: resp.StatusCode, Message: msg}
	}

	return body, nil
}

func (c *Client) malformed(method string, body []byte, err error) error {
	return &Error{
		Kind:    ErrMalformed,
		Method:  method,
		Message: fmt.Sprintf("unexpected body %q", truncate(string(body), 200)),
		Err:     err,
	}
}

// isAuthMessage classifies Matomo error envelopes. Matomo reports a bad
// or under-privileged token with HTTP 200 and messages such as "You
// can't access this resource as it requires 'view' access" or "token_auth
// is invalid".
func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"token", "auth", "access", "login"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
