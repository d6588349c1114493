package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// User is the directory record the engine needs: who the user is, the role
// they hold, and their department.
type User struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// IdentityClient talks to the platform identity/directory service over HTTP.
type IdentityClient struct {
	client *HTTPClient
}

// NewIdentityClient creates an identity client for the given base URL.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{client: NewHTTPClient(baseURL)}
}

// GetUser fetches one user within a tenant. A user unknown to the directory
// comes back as (nil, nil); errors mean the directory itself failed.
func (c *IdentityClient) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	path := fmt.Sprintf("/api/v1/users/get?id=%s&tenant_id=%s",
		url.QueryEscape(userID), url.QueryEscape(tenantID))

	var user User
	if err := c.client.Get(ctx, path, &user); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUsersWithRole returns the ids of users holding a role within a tenant.
func (c *IdentityClient) GetUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error) {
	path := fmt.Sprintf("/api/v1/users/by-role?role=%s&tenant_id=%s",
		url.QueryEscape(role), url.QueryEscape(tenantID))

	var resp struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to get users with role: %w", err)
	}
	return resp.UserIDs, nil
}
