// Package discord grants guild roles to buyers over the Discord bot API.
package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/oraxen/licensing/internal/purchase"
)

const defaultAPIBase = "https://discord.com/api/v10"

type Client struct {
	botToken   string
	guildID    string
	roleIDs    map[purchase.Type]string
	apiBase    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIBase overrides the Discord API endpoint.
func WithAPIBase(base string) Option {
	return func(cl *Client) {
		cl.apiBase = base
	}
}

// NewClient builds a role-granting client. roleIDs maps license types to the
// guild role granted for that license; types without an entry are ignored.
func NewClient(botToken, guildID string, roleIDs map[purchase.Type]string, opts ...Option) *Client {
	c := &Client{
		botToken:   botToken,
		guildID:    guildID,
		roleIDs:    roleIDs,
		apiBase:    defaultAPIBase,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the bot token and guild are set.
func (c *Client) Configured() bool {
	return c.botToken != "" && c.guildID != ""
}

// RoleForLicenseType returns the guild role id for a license type, if one is
// mapped.
func (c *Client) RoleForLicenseType(t purchase.Type) (string, bool) {
	id, ok := c.roleIDs[t]
	return id, ok
}

// GrantRole adds a guild role to a member. Callers treat failures as
// best-effort; claiming a license never fails because Discord is down.
func (c *Client) GrantRole(discordUserID, roleID string) error {
	return c.roleRequest("PUT", discordUserID, roleID)
}

// RevokeRole removes a guild role from a member.
func (c *Client) RevokeRole(discordUserID, roleID string) error {
	return c.roleRequest("DELETE", discordUserID, roleID)
}

// GrantRolesForLicenses grants the mapped role for each license type. It
// keeps going on individual failures and returns them joined.
func (c *Client) GrantRolesForLicenses(discordUserID string, types []purchase.Type) error {
	var errs []error
	for _, t := range types {
		roleID, ok := c.RoleForLicenseType(t)
		if !ok {
			continue
		}
		if err := c.GrantRole(discordUserID, roleID); err != nil {
			errs = append(errs, fmt.Errorf("grant %s role: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) roleRequest(method, discordUserID, roleID string) error {
	if !c.Configured() {
		return fmt.Errorf("discord client not configured: missing bot token or guild id")
	}

	url := fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s", c.apiBase, c.guildID, discordUserID, roleID)
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord role request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord API error: status %d", resp.StatusCode)
	}
	return nil
}
