package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the hosting control plane. All operations
// are stateless request/response calls; the bearer token is an explicit
// argument on every authenticated call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided control plane base URL.
func New(base string, timeout time.Duration, logger *slog.Logger, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: control plane url is required", ErrInvalidArgument)
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("%w: invalid control plane url: %v", ErrInvalidArgument, err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, serverErr(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do performs the request and decodes a 2xx JSON body into v when v is
// non-nil. Transport failures map to ErrRequest, everything unexpected from
// the server maps to ErrServer.
func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("request to control plane failed", "url", req.URL.Path, "error", err)
		return requestErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Debug("control plane returned unexpected status", "url", req.URL.Path, "status", resp.StatusCode)
		return serverErr(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		c.log.Debug("control plane response did not decode", "url", req.URL.Path, "error", err)
		return serverErr(err)
	}
	return nil
}

// detail is the body shape the server uses for deliberate rejections.
type detail struct {
	Detail string `json:"detail"`
}

// ValidateToken checks the token with the control plane. An explicit 403 is
// the only outcome reported as ErrAccessDenied; timeouts, network failures
// and any other status are transient and must be retried, not acted on.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/authenticate/me", token, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("request to auth server failed", "error", err)
		return requestErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		c.log.Debug("access denied for the provided token")
		return ErrAccessDenied
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Debug("unable to validate token", "status", resp.StatusCode)
		return serverErr(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// PrepareDeployment negotiates a deployment slot. When the server refuses
// the request deliberately, such as a name conflict, its reason comes back
// verbatim as a RejectionError; infrastructure failures stay opaque.
func (c *Client) PrepareDeployment(ctx context.Context, token string, params PrepareRequest) (PrepareResponse, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return PrepareResponse{}, serverErr(err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/deployments/prepare", token, bytes.NewReader(payload))
	if err != nil {
		return PrepareResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("unable to prepare deployment", "error", err)
		return PrepareResponse{}, requestErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		var d detail
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil || d.Detail == "" {
			return PrepareResponse{}, &RejectionError{Reason: "forbidden"}
		}
		c.log.Debug("prepare rejected by server", "reason", d.Detail)
		return PrepareResponse{}, &RejectionError{Reason: d.Detail}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Debug("unable to prepare deployment", "status", resp.StatusCode)
		return PrepareResponse{}, serverErr(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	var prep PrepareResponse
	if err := json.NewDecoder(resp.Body).Decode(&prep); err != nil {
		c.log.Debug("prepare response did not decode", "error", err)
		return PrepareResponse{}, serverErr(err)
	}
	if err := prep.Validate(); err != nil {
		return PrepareResponse{}, err
	}
	return prep, nil
}

// CreateDeployment uploads the two build artifacts along with the deployment
// parameters as one multipart request and returns the site URLs.
func (c *Client) CreateDeployment(ctx context.Context, token string, params CreateParams, frontendName string, frontend io.Reader, backendName string, backend io.Reader) (DeployResult, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := writeCreateFields(form, params); err != nil {
		return DeployResult{}, serverErr(err)
	}
	for _, part := range []struct {
		name   string
		reader io.Reader
	}{
		{frontendName, frontend},
		{backendName, backend},
	} {
		fw, err := form.CreateFormFile("files", part.name)
		if err != nil {
			return DeployResult{}, serverErr(err)
		}
		if _, err := io.Copy(fw, part.reader); err != nil {
			return DeployResult{}, serverErr(err)
		}
	}
	if err := form.Close(); err != nil {
		return DeployResult{}, serverErr(err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/deployments", token, &buf)
	if err != nil {
		return DeployResult{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var result DeployResult
	if err := c.do(req, &result); err != nil {
		return DeployResult{}, err
	}
	if err := result.Validate(); err != nil {
		return DeployResult{}, err
	}
	return result, nil
}

func writeCreateFields(form *multipart.Writer, params CreateParams) error {
	fields := map[string]string{
		"key":            params.Key,
		"app_name":       params.AppName,
		"regions_json":   params.RegionsJSON,
		"app_prefix":     params.AppPrefix,
		"client_version": params.ClientVersion,
	}
	if params.CPUs != nil {
		fields["cpus"] = strconv.Itoa(*params.CPUs)
	}
	if params.MemoryMB != nil {
		fields["memory_mb"] = strconv.Itoa(*params.MemoryMB)
	}
	if params.AutoStart != nil {
		fields["auto_start"] = strconv.FormatBool(*params.AutoStart)
	}
	if params.AutoStop != nil {
		fields["auto_stop"] = strconv.FormatBool(*params.AutoStop)
	}
	if params.FrontendHostname != "" {
		fields["frontend_hostname"] = params.FrontendHostname
	}
	if params.Description != "" {
		fields["description"] = params.Description
	}
	if params.EnvsJSON != "" {
		fields["envs_json"] = params.EnvsJSON
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return err
		}
	}
	return nil
}

// ListDeployments returns the caller's deployments, optionally filtered by
// app name. Ordering is server-defined.
func (c *Client) ListDeployments(ctx context.Context, token, appName string) ([]DeploymentRecord, error) {
	path := "/deployments"
	if appName != "" {
		path += "?app_name=" + url.QueryEscape(appName)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}
	var records []DeploymentRecord
	if err := c.do(req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteDeployment removes the deployment under key. An empty key fails
// locally before any round-trip.
func (c *Client) DeleteDeployment(ctx context.Context, token, key string) error {
	if key == "" {
		return fmt.Errorf("%w: a non-empty key is required for delete", ErrInvalidArgument)
	}
	req, err := c.newRequest(ctx, http.MethodDelete, "/deployments/"+url.PathEscape(key), token, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

type siteStatusPayload struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	UpdatedAt string `json:"updated_at"`
}

type statusPayload struct {
	Frontend siteStatusPayload `json:"frontend"`
	Backend  siteStatusPayload `json:"backend"`
}

// GetStatus reports frontend and backend reachability for a deployment.
func (c *Client) GetStatus(ctx context.Context, token, key string) (DeploymentStatus, error) {
	if key == "" {
		return DeploymentStatus{}, fmt.Errorf("%w: a non-empty key is required for status", ErrInvalidArgument)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/deployments/"+url.PathEscape(key)+"/status", token, nil)
	if err != nil {
		return DeploymentStatus{}, err
	}
	var payload statusPayload
	if err := c.do(req, &payload); err != nil {
		return DeploymentStatus{}, err
	}
	frontend, err := NewSiteStatus(payload.Frontend.URL, "", payload.Frontend.Reachable, payload.Frontend.UpdatedAt)
	if err != nil {
		return DeploymentStatus{}, err
	}
	backend, err := NewSiteStatus("", payload.Backend.URL, payload.Backend.Reachable, payload.Backend.UpdatedAt)
	if err != nil {
		return DeploymentStatus{}, err
	}
	return DeploymentStatus{Frontend: frontend, Backend: backend}, nil
}

type tokenPayload struct {
	AccessToken    string `json:"access_token"`
	InvitationCode string `json:"code"`
}

// FetchToken polls for the token tied to a browser-auth request ID. Every
// failure mode is reported uniformly so the caller's retry loop does not
// need to distinguish "not ready yet" from a transient fault.
func (c *Client) FetchToken(ctx context.Context, requestID string) (token, invitationCode string, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/authenticate/"+url.PathEscape(requestID), "", nil)
	if err != nil {
		return "", "", err
	}
	var payload tokenPayload
	if err := c.do(req, &payload); err != nil {
		return "", "", err
	}
	if payload.AccessToken == "" {
		return "", "", serverErr(fmt.Errorf("token response carried no access token"))
	}
	return payload.AccessToken, payload.InvitationCode, nil
}

// LogsURL builds the duplex log-stream endpoint for a deployment. The token
// travels in the URI because the stream transport is not plain
// request/response.
func (c *Client) LogsURL(key, token string, logType LogType, from time.Time) string {
	endpoint := "ws" + strings.TrimPrefix(c.baseURL, "http")
	query := url.Values{}
	query.Set("access_token", token)
	query.Set("log_type", string(logType))
	if !from.IsZero() {
		query.Set("from_iso_timestamp", from.Format(time.RFC3339))
	}
	return endpoint + "/deployments/" + url.PathEscape(key) + "/logs?" + query.Encode()
}

// CheckBackend probes the deployed backend's ping endpoint.
func (c *Client) CheckBackend(ctx context.Context, apiURL string) bool {
	return c.probe(ctx, apiURL+"/ping")
}

// CheckFrontend probes the deployed frontend root.
func (c *Client) CheckFrontend(ctx context.Context, deployURL string) bool {
	return c.probe(ctx, deployURL)
}

func (c *Client) probe(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("reachability probe failed", "url", target, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}
