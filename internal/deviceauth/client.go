// Package deviceauth drives an OAuth 2.0 device-code grant to completion:
// client registration, authorization start, adaptive polling, and
// reconciliation of the resulting credential into the account store.
package deviceauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Outcome is the closed classification of one token-endpoint round-trip.
type Outcome int

const (
	Success Outcome = iota
	Pending
	SlowDown
	Expired
	Denied
	TransientError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Pending:
		return "pending"
	case SlowDown:
		return "slow_down"
	case Expired:
		return "expired"
	case Denied:
		return "denied"
	default:
		return "transient_error"
	}
}

const (
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	clientType      = "public"
	defaultInterval = 5
)

// Client speaks the provider's OIDC device-grant endpoints.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the provider's regional OIDC endpoint.
func NewClient(region string) *Client {
	return NewClientWithBase("https://oidc." + region + ".amazonaws.com")
}

// NewClientWithBase targets an explicit endpoint. Used by tests.
func NewClientWithBase(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// ClientCredentials identify a dynamically registered OIDC client.
type ClientCredentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// Authorization is the provider's answer to a device-authorization start.
type Authorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int64  `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// URL returns the address the user must visit, preferring the complete
// variant carrying the user code.
func (a Authorization) URL() string {
	if a.VerificationURIComplete != "" {
		return a.VerificationURIComplete
	}
	return a.VerificationURI
}

// Token is the credential material of a completed grant.
type Token struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	IDToken      *string `json:"idToken,omitempty"`
	ExpiresIn    int64   `json:"expiresIn"`
	SSOSessionID *string `json:"ssoSessionId,omitempty"`
}

// RegisterClient registers a fresh public client. Failure is fatal to the
// authorization attempt; the caller surfaces it instead of retrying.
func (c *Client) RegisterClient(ctx context.Context) (ClientCredentials, error) {
	req := map[string]any{
		"clientName": "idforge-" + time.Now().Format("20060102150405"),
		"clientType": clientType,
		"scopes":     []string{"sso:account:access"},
	}
	var creds ClientCredentials
	if err := c.post(ctx, "/client/register", req, &creds); err != nil {
		return ClientCredentials{}, fmt.Errorf("registering client: %w", err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return ClientCredentials{}, fmt.Errorf("registering client: provider returned empty credentials")
	}
	return creds, nil
}

// StartDeviceAuthorization begins the device grant for startURL. A zero
// interval from the provider falls back to the protocol default.
func (c *Client) StartDeviceAuthorization(ctx context.Context, creds ClientCredentials, startURL string) (Authorization, error) {
	req := map[string]any{
		"clientId":     creds.ClientID,
		"clientSecret": creds.ClientSecret,
		"startUrl":     startURL,
	}
	var auth Authorization
	if err := c.post(ctx, "/device_authorization", req, &auth); err != nil {
		return Authorization{}, fmt.Errorf("starting device authorization: %w", err)
	}
	if auth.Interval <= 0 {
		auth.Interval = defaultInterval
	}
	return auth, nil
}

// PollOnce is a single round-trip to the token endpoint. Provider error
// codes map onto the closed Outcome set; network faults map to
// TransientError and carry no token.
func (c *Client) PollOnce(ctx context.Context, creds ClientCredentials, deviceCode string) (Outcome, *Token, error) {
	req := map[string]any{
		"clientId":     creds.ClientID,
		"clientSecret": creds.ClientSecret,
		"deviceCode":   deviceCode,
		"grantType":    deviceGrantType,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return TransientError, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/token", bytes.NewReader(body))
	if err != nil {
		return TransientError, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TransientError, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TransientError, nil, err
	}

	if resp.StatusCode == http.StatusOK {
		var token Token
		if err := json.Unmarshal(raw, &token); err != nil {
			return TransientError, nil, fmt.Errorf("decoding token response: %w", err)
		}
		return Success, &token, nil
	}

	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &oauthErr); err != nil {
		return TransientError, nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, raw)
	}

	switch oauthErr.Error {
	case "authorization_pending":
		return Pending, nil, nil
	case "slow_down":
		return SlowDown, nil, nil
	case "expired_token":
		return Expired, nil, nil
	case "access_denied":
		return Denied, nil, nil
	default:
		return TransientError, nil, fmt.Errorf("token endpoint error %q: %s", oauthErr.Error, oauthErr.Description)
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}
