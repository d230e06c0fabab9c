package deviceauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/idforge/idforge/internal/model"
)

// UsageClient fetches the usage/profile snapshot attached to a freshly
// authorized account. The snapshot is advisory: a fetch failure never fails
// the authorization.
type UsageClient struct {
	base      string
	machineID string
	http      *http.Client
}

func NewUsageClient(region, machineID string) *UsageClient {
	return NewUsageClientWithBase("https://codewhisperer."+region+".amazonaws.com", machineID)
}

// NewUsageClientWithBase targets an explicit endpoint. Used by tests.
func NewUsageClientWithBase(base, machineID string) *UsageClient {
	return &UsageClient{
		base:      base,
		machineID: machineID,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch retrieves the usage snapshot for the bearer token. The raw payload
// is preserved verbatim so the store keeps fields this process never types.
func (c *UsageClient) Fetch(ctx context.Context, accessToken string) (*model.UsageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/getUsageLimits", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if c.machineID != "" {
		req.Header.Set("X-Machine-Id", c.machineID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var snapshot model.UsageSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding usage snapshot: %w", err)
	}
	snapshot.Raw = raw
	return &snapshot, nil
}
