package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/idp"
	"github.com/sirupsen/logrus"
)

// Client authenticates users against an LDAP or Active Directory server
type Client struct {
	config config.LDAPConfig
	dial   func() (Conn, error)
}

// Conn is the subset of *ldap.Conn used by Client
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// NewClient creates a new LDAP client
func NewClient(cfg config.LDAPConfig) *Client {
	c := &Client{config: cfg}
	c.dial = func() (Conn, error) { return c.Connect() }
	return c
}

// Connect establishes a connection to the LDAP server
func (c *Client) Connect() (*ldap.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	var conn *ldap.Conn
	var err error

	switch c.config.Security {
	case "tls":
		conn, err = ldap.DialURL("ldaps://"+addr, ldap.DialWithTLSConfig(&tls.Config{
			ServerName: c.config.Host,
		}))
	case "starttls":
		conn, err = ldap.DialURL("ldap://" + addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
		}
		if err = conn.StartTLS(&tls.Config{ServerName: c.config.Host}); err != nil {
			conn.Close()
		}
	default:
		conn, err = ldap.DialURL("ldap://" + addr)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}

	return conn, nil
}

// Authenticate looks the user up with the service account, then binds as
// the user to verify the password.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*idp.ExternalUser, error) {
	if username == "" || password == "" {
		return nil, idp.ErrInvalidCredentials
	}

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if c.config.BindDN != "" {
		if err := conn.Bind(c.config.BindDN, c.config.BindPassword); err != nil {
			return nil, fmt.Errorf("failed to bind with service account: %w", err)
		}
	}

	result, err := conn.Search(ldap.NewSearchRequest(
		c.config.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1,
		0,
		false,
		c.userFilter(username),
		c.userAttributes(),
		nil,
	))
	if err != nil {
		return nil, fmt.Errorf("LDAP search failed: %w", err)
	}
	if len(result.Entries) == 0 {
		return nil, idp.ErrUserNotFound
	}
	entry := result.Entries[0]

	if err := conn.Bind(entry.DN, password); err != nil {
		var ldapErr *ldap.Error
		if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultInvalidCredentials {
			return nil, idp.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("LDAP authentication failed: %w", err)
	}

	user := c.entryToExternalUser(entry)
	if user.Email == "" {
		return nil, idp.ErrNoEmail
	}

	logrus.WithFields(logrus.Fields{
		"dn":    entry.DN,
		"email": user.Email,
	}).Debug("LDAP user authenticated")

	return user, nil
}

// userFilter matches either the username attribute or the email attribute
func (c *Client) userFilter(username string) string {
	base := c.config.UserFilter
	if base == "" {
		base = "(objectClass=person)"
	}
	safe := EscapeFilter(username)
	return fmt.Sprintf("(&%s(|(%s=%s)(%s=%s)))",
		base, c.attr(c.config.AttrUsername, "uid"), safe, c.attr(c.config.AttrEmail, "mail"), safe)
}

func (c *Client) userAttributes() []string {
	return []string{
		"dn",
		c.attr(c.config.AttrUsername, "uid"),
		c.attr(c.config.AttrEmail, "mail"),
		c.attr(c.config.AttrDisplayName, "displayName"),
		"sAMAccountName",
		"cn",
	}
}

func (c *Client) attr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) entryToExternalUser(entry *ldap.Entry) *idp.ExternalUser {
	username := entry.GetAttributeValue(c.attr(c.config.AttrUsername, "uid"))
	if username == "" {
		username = entry.GetAttributeValue("sAMAccountName")
	}
	if username == "" {
		username = entry.GetAttributeValue("cn")
	}

	return &idp.ExternalUser{
		ExternalID:  entry.DN,
		Username:    username,
		Email:       strings.ToLower(entry.GetAttributeValue(c.attr(c.config.AttrEmail, "mail"))),
		DisplayName: entry.GetAttributeValue(c.attr(c.config.AttrDisplayName, "displayName")),
		Provider:    idp.ProviderLDAP,
	}
}

// EscapeFilter escapes special characters in LDAP filter values per RFC 4515
func EscapeFilter(s string) string {
	return ldap.EscapeFilter(s)
}
