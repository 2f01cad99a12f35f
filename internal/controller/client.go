// Package controller talks to the control-plane API that owns the
// configuration artifacts.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/varnishops/gitvcl/internal/reconcile"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Credentials authenticate against POST /auth/login
type Credentials struct {
	Username     string
	Password     string
	Organization string
}

// Client is a control-plane API client
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a client for the API rooted at baseURL (including the
// version prefix, e.g. https://host/api/v1).
func NewClient(baseURL string, creds Credentials, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// FetchArtifacts logs in, lists all files and retrieves the content of every
// deployed one, sequentially. Any failure aborts the fetch. Files that are
// not deployed are returned without content.
func (c *Client) FetchArtifacts(ctx context.Context) ([]reconcile.Artifact, error) {
	token, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}

	files, err := c.ListFiles(ctx, token)
	if err != nil {
		return nil, err
	}

	artifacts := make([]reconcile.Artifact, 0, len(files))
	for _, summary := range files {
		if !summary.Deployed {
			artifacts = append(artifacts, reconcile.Artifact{ID: string(summary.ID), Name: summary.Name})
			continue
		}

		file, err := c.GetFile(ctx, token, summary.ID)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("fetched file", "id", file.ID, "name", file.Name, "sha", file.SHA)

		name := file.Name
		if name == "" {
			name = summary.Name
		}
		artifacts = append(artifacts, reconcile.Artifact{
			ID:        string(summary.ID),
			Name:      name,
			Digest:    file.SHA,
			Draft:     file.Draft,
			Published: file.Source,
			Deployed:  true,
		})
	}

	return artifacts, nil
}

// Login exchanges the basic credentials for a bearer token
func (c *Client) Login(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{Org: c.creds.Organization})
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.creds.Username, c.creds.Password)

	var resp loginResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: login response has no access token", ErrUnauthorized)
	}
	if err := c.inspectToken(resp.AccessToken); err != nil {
		return "", err
	}

	c.logger.Info("authenticated against control plane", "organization", c.creds.Organization)
	return resp.AccessToken, nil
}

// ListFiles returns every file known to the control plane
func (c *Client) ListFiles(ctx context.Context, token string) ([]FileSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var files []FileSummary
	if err := c.do(req, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// GetFile returns a file with its content
func (c *Client) GetFile(ctx context.Context, token string, id FileID) (*File, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var file File
	if err := c.do(req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// inspectToken rejects bearer tokens that are JWTs and already expired.
// The signature is not verified; opaque tokens pass unchanged.
func (c *Client) inspectToken(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		c.logger.Debug("bearer token is opaque")
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(c.now()) {
		return fmt.Errorf("%w: bearer token expired at %s", ErrUnauthorized, exp.Time.Format(time.RFC3339))
	}
	c.logger.Debug("bearer token accepted", "expires", exp.Time)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a successful JSON response into out
func (c *Client) do(req *http.Request, out any) error {
	path := strings.TrimPrefix(req.URL.Path, c.pathPrefix())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s: status %d", ErrUnauthorized, req.Method, path, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     req.Method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: empty response body", req.Method, path)
		}
		return fmt.Errorf("%s %s: failed to decode response: %w", req.Method, path, err)
	}
	return nil
}

func (c *Client) pathPrefix() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Path
}
