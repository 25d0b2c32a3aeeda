// Package notifyclient is a thin HTTP client over notifyd's Request API,
// used by the operator CLI's post and cancel subcommands, grounded on the
// teacher's own bare net/http client (client.go).
package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

func New(host string) *Client {
	return &Client{host: strings.TrimRight(host, "/")}
}

type Client struct {
	host string
}

type PostRequestInput struct {
	PartyFrom   string `json:"party_from"`
	PartyTo     string `json:"party_to"`
	ExpandGroup bool   `json:"expand_group"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
}

func (c *Client) PostRequest(ctx context.Context, in PostRequestInput) (int64, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/requests", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("notifyclient: post_request: %s: %s", resp.Status, string(respBytes))
	}

	var out struct {
		RequestID int64 `json:"request_id"`
	}
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return 0, err
	}
	return out.RequestID, nil
}

func (c *Client) CancelRequest(ctx context.Context, requestID int64) error {
	url := c.host + "/requests/" + strconv.FormatInt(requestID, 10) + "/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		respBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notifyclient: cancel_request: %s: %s", resp.Status, string(respBytes))
	}
	return nil
}
