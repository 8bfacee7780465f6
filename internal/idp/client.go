// Package idp talks to the identity provider's admin API: the system of
// record for OAuth2 client credentials. Every failure is classified as
// transient (retry next pass) or permanent (operator attention).
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrCredentialNotFound is returned when the provider no longer knows the
// referenced client. Permanent: retrying will not bring it back.
var ErrCredentialNotFound = errors.New("idp: credential not found")

// Error is an identity provider failure with retry classification.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("idp: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("idp: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure worth retrying on a
// later pass. Transport errors and 5xx responses are transient; 4xx
// responses are permanent.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// CredentialSpec describes a credential to create for a new device.
type CredentialSpec struct {
	Name string `json:"name"`
}

// Client is the identity provider surface the rotation service depends on.
type Client interface {
	// CreateCredential registers a new OAuth2 client and returns its
	// reference and initial secret.
	CreateCredential(ctx context.Context, spec CredentialSpec) (clientReference, secret string, err error)
	// RegenerateSecret invalidates the client's current secret and
	// returns the replacement. There is no grace period at the provider.
	RegenerateSecret(ctx context.Context, clientReference string) (secret string, err error)
	// RestoreSecret puts a previously valid secret back in service.
	RestoreSecret(ctx context.Context, clientReference, secret string) error
	// DeleteCredential removes the client registration entirely.
	DeleteCredential(ctx context.Context, clientReference string) error
}

// HTTPClient implements Client against the provider's admin REST API.
type HTTPClient struct {
	base  string
	token string
	http  *http.Client
}

// NewHTTPClient returns a client for the admin API at baseURL, authenticated
// with the given bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

type credentialResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (c *HTTPClient) CreateCredential(ctx context.Context, spec CredentialSpec) (string, string, error) {
	var out credentialResponse
	if err := c.do(ctx, "create_credential", http.MethodPost, "/admin/clients", spec, &out); err != nil {
		return "", "", err
	}
	return out.ClientID, out.ClientSecret, nil
}

func (c *HTTPClient) RegenerateSecret(ctx context.Context, clientReference string) (string, error) {
	var out credentialResponse
	path := fmt.Sprintf("/admin/clients/%s/rotate", clientReference)
	if err := c.do(ctx, "regenerate_secret", http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.ClientSecret, nil
}

func (c *HTTPClient) RestoreSecret(ctx context.Context, clientReference, secret string) error {
	path := fmt.Sprintf("/admin/clients/%s/secret", clientReference)
	body := map[string]string{"client_secret": secret}
	return c.do(ctx, "restore_secret", http.MethodPut, path, body, nil)
}

func (c *HTTPClient) DeleteCredential(ctx context.Context, clientReference string) error {
	path := fmt.Sprintf("/admin/clients/%s", clientReference)
	return c.do(ctx, "delete_credential", http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classify(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

func (c *HTTPClient) classify(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := apiMessage(data)

	switch {
	case resp.StatusCode >= 500:
		return &Error{Op: op, Status: resp.StatusCode, Transient: true, Err: errors.New(msg)}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Op: op, Status: resp.StatusCode, Err: ErrCredentialNotFound}
	default:
		return &Error{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
}

// apiMessage pulls the error string out of an {"error": "..."} body, falling
// back to the raw body.
func apiMessage(data []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	if len(data) == 0 {
		return "no response body"
	}
	return string(data)
}
