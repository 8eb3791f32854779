// Package client is a typed HTTP client for the well-scenario API.
//
// Every method distinguishes two failure kinds: [ApplicationError] when the
// server answered with an error field, and [TransportError] for network
// failures and unreadable replies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

const maxErrBody = 4096

// Client talks to one well-scenario server. Safe for concurrent use.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the overall per-request timeout. Generation requests can
// take minutes, so the default is generous.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// New returns a client for the server at baseURL (for example
// "http://localhost:5000").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q must be absolute", baseURL)
	}
	c := &Client{
		base: u,
		hc: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: time.Minute}).DialContext,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 10 * time.Minute,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ProfileEntry is one profile file offered by the server.
type ProfileEntry struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// GenerateRequest is the body of a scenario generation request.
type GenerateRequest struct {
	MeetingPurpose  string   `json:"meeting_purpose"`
	MeetingFormat   string   `json:"meeting_format"`
	ProfileFilename string   `json:"profile_filename"`
	NumUtterances   int      `json:"num_utterances,omitempty"`
	FocusMetrics    []string `json:"focus_metrics,omitempty"`
	TargetRatio     *float64 `json:"target_ratio,omitempty"`
}

// GenerateResponse is the reply to a successful generation request.
type GenerateResponse struct {
	Success  bool                 `json:"success"`
	Scenario []scenario.Utterance `json:"scenario"`
	Metadata scenario.Metadata    `json:"metadata"`
}

// Filename returns the stored output's file name, derived from the
// metadata's saved_to path, or "" when the server did not store it.
func (r *GenerateResponse) Filename() string {
	p := r.Metadata.SavedTo
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ListProfiles lists the available participant profile files.
func (c *Client) ListProfiles(ctx context.Context) ([]ProfileEntry, error) {
	var out struct {
		Profiles []ProfileEntry `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// GetProfile fetches the participants of one profile file.
func (c *Client) GetProfile(ctx context.Context, name string) ([]scenario.Participant, error) {
	var out struct {
		Profile []scenario.Participant `json:"profile"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/profile/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return out.Profile, nil
}

// MetricDefinitions fetches the raw metric definition document.
func (c *Client) MetricDefinitions(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Metrics json.RawMessage `json:"metrics"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &out); err != nil {
		return nil, err
	}
	return out.Metrics, nil
}

// GenerateScenario asks the server to generate, annotate and store a scenario.
func (c *Client) GenerateScenario(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var out GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate-scenario", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOutputs lists stored scenarios, newest first.
func (c *Client) ListOutputs(ctx context.Context) ([]scenario.OutputSummary, error) {
	var out struct {
		Outputs []scenario.OutputSummary `json:"outputs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/outputs", nil, &out); err != nil {
		return nil, err
	}
	return out.Outputs, nil
}

// GetOutput fetches one stored scenario document.
func (c *Client) GetOutput(ctx context.Context, filename string) (*scenario.Output, error) {
	var out scenario.Output
	if err := c.do(ctx, http.MethodGet, outputPath(filename, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAnnotations submits the whole overlay for filename.
func (c *Client) SaveAnnotations(ctx context.Context, filename string, ov annotation.Overlay) error {
	body := struct {
		Annotations annotation.Overlay `json:"annotations"`
	}{Annotations: ov}
	return c.do(ctx, http.MethodPost, outputPath(filename, "/annotations"), body, nil)
}

// AnnotationHistory fetches the recorded edits for filename.
func (c *Client) AnnotationHistory(ctx context.Context, filename string) (json.RawMessage, error) {
	var out struct {
		History json.RawMessage `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, outputPath(filename, "/annotations/history"), nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Agreement fetches the machine/human agreement report for filename.
func (c *Client) Agreement(ctx context.Context, filename string) (*scenario.Agreement, error) {
	var out scenario.Agreement
	if err := c.do(ctx, http.MethodGet, outputPath(filename, "/agreement"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CSVURL returns the navigation URL of filename's CSV export.
func (c *Client) CSVURL(filename string) string {
	return c.base.String() + outputPath(filename, "/csv")
}

// DownloadCSV streams filename's CSV export into w.
func (c *Client) DownloadCSV(ctx context.Context, filename string, w io.Writer) error {
	return c.stream(ctx, outputPath(filename, "/csv"), w)
}

// DownloadChart streams the rendered chart of metric ("png" or "svg") into w.
func (c *Client) DownloadChart(ctx context.Context, filename, metric, format string, w io.Writer) error {
	p := outputPath(filename, "/chart/"+url.PathEscape(metric))
	if format != "" {
		p += "?format=" + url.QueryEscape(format)
	}
	return c.stream(ctx, p, w)
}

func outputPath(filename, suffix string) string {
	return "/api/output/" + url.PathEscape(filename) + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &TransportError{Op: "encode request", Err: err}
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do performs a JSON round trip. out may be nil when only success matters.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read reply", Err: err}
	}
	if err := replyError(resp, raw); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: "decode reply", Err: err}
	}
	return nil
}

// stream copies a non-JSON success body into w.
func (c *Client) stream(ctx context.Context, path string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Del("Accept")
	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return replyError(resp, raw)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return &TransportError{Op: "read reply", Err: err}
	}
	return nil
}

// replyError classifies a reply. A JSON error field wins regardless of status
// code; a non-2xx status without one is a transport failure.
func replyError(resp *http.Response, raw []byte) error {
	var probe struct {
		Error *string `json:"error"`
	}
	if json.Unmarshal(raw, &probe) == nil && probe.Error != nil {
		return &ApplicationError{StatusCode: resp.StatusCode, Message: *probe.Error}
	}
	if resp.StatusCode/100 != 2 {
		snippet := strings.TrimSpace(string(raw[:min(len(raw), maxErrBody)]))
		return &TransportError{Op: "unexpected status", Err: errors.New(resp.Status + ": " + snippet)}
	}
	return nil
}
