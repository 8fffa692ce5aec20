package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient submits transfers to an external payment gateway:
//
//	POST {baseURL}/v1/transfers  {"id","from","to","amount"}
//
// Any 2xx is success. 402 and 409 are definitive rejections; anything else
// is reported as an error and never retried here.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a gateway client with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Transfer(ctx context.Context, t Transfer) error {
	if err := t.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("custody gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var gwErr struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &gwErr) != nil || gwErr.Error == "" {
		gwErr.Error = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, gwErr.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrTransferRejected, gwErr.Error)
	default:
		return fmt.Errorf("custody gateway: status %d: %s", resp.StatusCode, gwErr.Error)
	}
}
