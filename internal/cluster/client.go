package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RPCPath is the endpoint every process serves Messages on.
const RPCPath = "/rpc"

// Client performs one-exchange-per-connection calls. The zero timeout means
// no deadline is enforced beyond the caller's context.
type Client struct {
	http *http.Client
}

// NewClient returns a Client whose transport never reuses connections.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		},
	}
}

// Call sends req to addr (host:port) and returns the peer's reply. Transport
// failures wrap ErrUnreachable; a FAIL reply is returned as a message with a
// nil error so callers can inspect it with Message.Err.
func (c *Client) Call(ctx context.Context, addr string, req Message) (Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", req.Command, err)
	}
	url := "http://" + addr + RPCPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, req.Command, addr, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Close = true

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, req.Command, addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Message{}, fmt.Errorf("%w: %s %s: http %d", ErrUnreachable, req.Command, addr, resp.StatusCode)
	}

	var out Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Message{}, fmt.Errorf("%w: %s %s: decode reply: %v", ErrUnreachable, req.Command, addr, err)
	}
	return out, nil
}

// Do is Call followed by Message.Err: it fails on both connectivity errors
// and FAIL replies.
func (c *Client) Do(ctx context.Context, addr string, command string, items ...any) (Message, error) {
	req, err := NewMessage(command, items...)
	if err != nil {
		return Message{}, err
	}
	resp, err := c.Call(ctx, addr, req)
	if err != nil {
		return Message{}, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}
