package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

type createSessionRequest struct {
	KeepAlive bool    `json:"keepAlive"`
	ProxyID   *string `json:"proxyId,omitempty"`
}

type sessionResponse struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connectUrl"`
}

type debugResponse struct {
	WSURL string `json:"wsUrl"`
}

// BrowserAPI talks to the remote browser provider that hosts the long-lived,
// logged-in browser instances.
type BrowserAPI struct {
	client *resty.Client
}

func NewBrowserAPI(baseURL, apiKey string) (*BrowserAPI, error) {
	client, err := newRestyClient(baseURL, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("browser api: %w", err)
	}
	return NewBrowserAPIWithClient(client, apiKey)
}

func NewBrowserAPIWithClient(client *resty.Client, apiKey string) (*BrowserAPI, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		client.SetHeader("X-API-Key", key)
	}
	return &BrowserAPI{client: client}, nil
}

// CreateSession starts a keep-alive browser session and returns its id.
func (b *BrowserAPI) CreateSession(ctx context.Context, proxyID *string) (string, error) {
	var out sessionResponse
	_, err := execute(ctx, b.client.R().
		SetBody(createSessionRequest{KeepAlive: true, ProxyID: proxyID}).
		SetResult(&out), http.MethodPost, "/v1/sessions")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &CallError{Message: "browser session id missing in response"}
	}
	return out.ID, nil
}

// DebuggerURL resolves the websocket endpoint of an existing session.
func (b *BrowserAPI) DebuggerURL(ctx context.Context, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}

	var out debugResponse
	_, err := execute(ctx, b.client.R().
		SetPathParam("id", sessionID).
		SetResult(&out), http.MethodGet, "/v1/sessions/{id}/debug")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.WSURL) == "" {
		return "", &CallError{Message: "debugger url missing in response"}
	}
	return out.WSURL, nil
}
