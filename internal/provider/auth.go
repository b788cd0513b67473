package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
)

type authUser struct {
	ID string `json:"id"`
}

// AuthAPI is the identity provider: it verifies end-user bearer tokens and
// deletes identity records with the service key.
type AuthAPI struct {
	client     *resty.Client
	serviceKey string
}

func NewAuthAPI(baseURL, serviceKey string) (*AuthAPI, error) {
	client, err := newRestyClient(baseURL, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("auth api: %w", err)
	}
	return NewAuthAPIWithClient(client, serviceKey)
}

func NewAuthAPIWithClient(client *resty.Client, serviceKey string) (*AuthAPI, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	key := strings.TrimSpace(serviceKey)
	if key != "" {
		client.SetHeader("apikey", key)
	}
	return &AuthAPI{client: client, serviceKey: key}, nil
}

// VerifyToken returns the user id the bearer token belongs to.
// Rejected tokens map to domain.ErrUnauthorized.
func (a *AuthAPI) VerifyToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.ErrUnauthorized
	}

	var out authUser
	_, err := execute(ctx, a.client.R().
		SetAuthToken(token).
		SetResult(&out), http.MethodGet, "/auth/v1/user")
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) &&
			(callErr.StatusCode == http.StatusUnauthorized || callErr.StatusCode == http.StatusForbidden) {
			return "", fmt.Errorf("%w: %s", domain.ErrUnauthorized, callErr.Message)
		}
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", domain.ErrUnauthorized
	}
	return out.ID, nil
}

// DeleteIdentity removes the identity record. An identity that is already gone counts as deleted.
func (a *AuthAPI) DeleteIdentity(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	_, err := execute(ctx, a.client.R().
		SetAuthToken(a.serviceKey).
		SetPathParam("id", userID), http.MethodDelete, "/auth/v1/admin/users/{id}")
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) && callErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}
