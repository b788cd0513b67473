package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout = 15 * time.Second

	defaultRetries      = 2
	defaultRetryWait    = 200 * time.Millisecond
	defaultRetryMaxWait = 2 * time.Second
)

func newRestyClient(baseURL string, timeout time.Duration) (*resty.Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(trimmed)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetRetryCount(defaultRetries)
	client.SetRetryWaitTime(defaultRetryWait)
	client.SetRetryMaxWaitTime(defaultRetryMaxWait)
	client.AddRetryCondition(retryIdempotent)
	return client, nil
}

// execute runs the request and converts transport failures and non-2xx
// statuses into *CallError.
func execute(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	response, err := req.SetContext(ctx).Execute(method, path)
	if callErr := classify(response, err); callErr != nil {
		if err != nil {
			return nil, callErr
		}
		return response, callErr
	}
	return response, nil
}
