package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/glimmerdesk/glimmer/internal/plugin/native"
	"github.com/glimmerdesk/glimmer/internal/service"
)

// Client talks to a control socket server over its Unix socket.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client for the control socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
			Timeout: 2 * time.Second,
		},
	}
}

// Health queries the /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status queries the /status endpoint.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to shut down.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", struct{}{}, nil)
}

// Plugins lists loaded native plugins.
func (c *Client) Plugins(ctx context.Context) ([]native.Info, error) {
	var resp []native.Info
	if err := c.do(ctx, http.MethodGet, "/plugins", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// LoadPlugin loads a plugin by library path or installed id.
func (c *Client) LoadPlugin(ctx context.Context, req LoadPluginRequest) (string, error) {
	var resp LoadPluginResponse
	if err := c.do(ctx, http.MethodPost, "/plugins/load", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UnloadPlugin unloads a plugin by id.
func (c *Client) UnloadPlugin(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/plugins/"+id, nil, nil)
}

// SendMessage dispatches a typed message to a plugin and returns its status code.
func (c *Client) SendMessage(ctx context.Context, id string, req MessageRequest) (int32, error) {
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, "/plugins/"+id+"/message", req, &resp); err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// Services lists registered service providers.
func (c *Client) Services(ctx context.Context) ([]service.ProviderInfo, error) {
	var resp []service.ProviderInfo
	if err := c.do(ctx, http.MethodGet, "/services", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RegisterService declares a service provider with an optional payload schema.
func (c *Client) RegisterService(ctx context.Context, req RegisterServiceRequest) error {
	return c.do(ctx, http.MethodPost, "/services/register", req, nil)
}

// UnregisterService removes a service provider by id.
func (c *Client) UnregisterService(ctx context.Context, serviceID string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+serviceID, nil, nil)
}

// Subscribe adds a subscriber to a service channel.
func (c *Client) Subscribe(ctx context.Context, serviceID, subscriberID string) error {
	return c.do(ctx, http.MethodPost, "/services/subscribe", SubscribeRequest{
		ServiceID:    serviceID,
		SubscriberID: subscriberID,
	}, nil)
}

// Unsubscribe removes a subscriber from a service channel.
func (c *Client) Unsubscribe(ctx context.Context, serviceID, subscriberID string) error {
	return c.do(ctx, http.MethodPost, "/services/unsubscribe", SubscribeRequest{
		ServiceID:    serviceID,
		SubscriberID: subscriberID,
	}, nil)
}

// Broadcast publishes data on a service channel.
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) error {
	return c.do(ctx, http.MethodPost, "/services/broadcast", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to control socket: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return fmt.Errorf("control request failed (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("control request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
