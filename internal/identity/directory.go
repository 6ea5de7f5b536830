package identity

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"veriam.dev/internal/obs"
)

// DirectoryProviderName labels principals validated against a directory backend.
const DirectoryProviderName = "directory"

const defaultDirectoryTimeout = 10 * time.Second

// DirectoryServer configures one directory backend for search-then-bind
// authentication.
type DirectoryServer struct {
	URL          string        `yaml:"url"`  // ldap://host:389 or ldaps://host:636
	BaseDN       string        `yaml:"base_dn"`
	BindDN       string        `yaml:"bind_dn"`       // search-service binder, optional
	BindPassword string        `yaml:"bind_password"` //
	Filter       string        `yaml:"filter"`        // e.g. (sAMAccountName=%s)
	StartTLS     bool          `yaml:"start_tls"`
	Timeout      time.Duration `yaml:"timeout"`
	Label        string        `yaml:"label"`  // provenance tag, optional
	Domain       string        `yaml:"domain"` // for user@domain bind and placeholder mail
	UsernameAttr string        `yaml:"username_attr"` // canonical username attribute
	EmailAttr    string        `yaml:"email_attr"`
}

func (s DirectoryServer) label() string {
	if s.Label != "" {
		return s.Label
	}
	return DirectoryProviderName
}

func (s DirectoryServer) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultDirectoryTimeout
}

// directoryConn is the subset of *ldap.Conn the provider uses; tests inject
// fakes through the provider's dial hook.
type directoryConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

type directoryDialer func(ctx context.Context, srv DirectoryServer) (directoryConn, error)

func dialDirectory(ctx context.Context, srv DirectoryServer) (directoryConn, error) {
	conn, err := ldap.DialURL(srv.URL, ldap.DialWithDialer(&net.Dialer{Timeout: srv.timeout()}))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(srv.timeout())
	if srv.StartTLS {
		host := srv.URL
		if u := strings.TrimPrefix(strings.TrimPrefix(host, "ldaps://"), "ldap://"); u != "" {
			if h, _, splitErr := net.SplitHostPort(u); splitErr == nil {
				host = h
			} else {
				host = u
			}
		}
		if err := conn.StartTLS(&tls.Config{ServerName: host}); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// DirectoryProvider authenticates against an ordered list of directory
// servers. For one attempt the servers are tried sequentially; the first
// success wins, and a definitive credential rejection for a uniquely matched
// entry stops the whole attempt.
type DirectoryProvider struct {
	servers []DirectoryServer
	dial    directoryDialer
}

func NewDirectoryProvider(servers []DirectoryServer) *DirectoryProvider {
	return &DirectoryProvider{servers: servers, dial: dialDirectory}
}

func (p *DirectoryProvider) Name() string { return DirectoryProviderName }

func (p *DirectoryProvider) Available() bool { return len(p.servers) > 0 }

func (p *DirectoryProvider) Authenticate(ctx context.Context, username, secret string) AuthResult {
	// An empty secret would turn the user bind into an anonymous bind and
	// succeed on most servers. Refuse it before touching the network.
	if username == "" || secret == "" {
		return Failure(FailureCredentialRejected, errors.New("empty username or secret"))
	}

	var (
		sawInfra    bool
		sawRejected bool
		lastErr     error
	)
	for _, srv := range p.servers {
		res, final := p.trySingleServer(ctx, srv, username, secret)
		if final {
			return res
		}
		switch res.Reason {
		case FailureInfrastructure:
			sawInfra = true
		case FailureCredentialRejected:
			sawRejected = true
		}
		if res.Err != nil {
			lastErr = res.Err
		}
	}
	switch {
	case sawInfra:
		return Failure(FailureInfrastructure, lastErr)
	case sawRejected:
		return Failure(FailureCredentialRejected, lastErr)
	default:
		return Failure(FailureUnknownPrincipal, lastErr)
	}
}

// trySingleServer runs the search-then-bind flow against one server. The
// second return value is true when the outcome is definitive for the whole
// attempt: a success, or an explicit credential rejection for an entry the
// search uniquely identified.
func (p *DirectoryProvider) trySingleServer(ctx context.Context, srv DirectoryServer, username, secret string) (AuthResult, bool) {
	searchConn, err := p.dial(ctx, srv)
	if err != nil {
		return Failure(FailureInfrastructure, fmt.Errorf("dial %s: %w", srv.URL, err)), false
	}
	defer func() { _ = searchConn.Close() }()

	if srv.BindDN != "" {
		if err := searchConn.Bind(srv.BindDN, srv.BindPassword); err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				return Failure(FailureCredentialRejected, fmt.Errorf("search bind %s: %w", srv.URL, err)), false
			}
			return Failure(FailureInfrastructure, fmt.Errorf("search bind %s: %w", srv.URL, err)), false
		}
	}

	entry, result, ok := p.findEntry(searchConn, srv, username)
	if !ok {
		return result, false
	}

	userConn, err := p.dial(ctx, srv)
	if err != nil {
		return Failure(FailureInfrastructure, fmt.Errorf("dial %s: %w", srv.URL, err)), false
	}
	defer func() { _ = userConn.Close() }()

	return p.bindUser(userConn, srv, entry, username, secret)
}

func (p *DirectoryProvider) findEntry(conn directoryConn, srv DirectoryServer, username string) (*ldap.Entry, AuthResult, bool) {
	filter := strings.ReplaceAll(srv.Filter, "%s", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		srv.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, int(srv.timeout().Seconds()), false,
		filter,
		[]string{"dn", srv.usernameAttr(), "userPrincipalName", srv.emailAttr()},
		nil,
	)
	res, err := conn.Search(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		// The server found more entries than the request allows: the match
		// is ambiguous, exactly like a multi-entry result, not an outage.
		obs.LogEvent(map[string]any{
			"level":  "info",
			"msg":    "directory search exceeded the match size limit",
			"server": srv.label(),
		})
		return nil, Failure(FailureUnknownPrincipal, nil), false
	}
	if err != nil {
		return nil, Failure(FailureInfrastructure, fmt.Errorf("search %s: %w", srv.URL, err)), false
	}
	if len(res.Entries) != 1 {
		// Match count stays in the log; the caller only learns the
		// principal is unknown.
		obs.LogEvent(map[string]any{
			"level":   "info",
			"msg":     "directory search did not match exactly one entry",
			"server":  srv.label(),
			"matches": len(res.Entries),
		})
		return nil, Failure(FailureUnknownPrincipal, nil), false
	}
	return res.Entries[0], AuthResult{}, true
}

// bindUser attempts the user's own bind with an ordered list of candidate
// identities: domain-qualified login, the entry's principal-name attribute,
// then the full DN. A definitive invalid-credentials response on any attempt
// ends the whole login — a wrong password is a wrong password, and retrying
// other formats would mask that as a false infrastructure error.
func (p *DirectoryProvider) bindUser(conn directoryConn, srv DirectoryServer, entry *ldap.Entry, username, secret string) (AuthResult, bool) {
	var infraErr error
	for _, candidate := range bindCandidates(srv, entry, username) {
		err := conn.Bind(candidate, secret)
		if err == nil {
			return Success(canonicalUsername(srv, entry, username), canonicalEmail(srv, entry, username), srv.label()), true
		}
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return Failure(FailureCredentialRejected, nil), true
		}
		infraErr = fmt.Errorf("user bind %s as %q: %w", srv.URL, candidate, err)
	}
	return Failure(FailureInfrastructure, infraErr), false
}

func bindCandidates(srv DirectoryServer, entry *ldap.Entry, username string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if srv.Domain != "" {
		add(username + "@" + srv.Domain)
	}
	add(entry.GetAttributeValue("userPrincipalName"))
	add(entry.DN)
	return out
}

func (s DirectoryServer) usernameAttr() string {
	if s.UsernameAttr != "" {
		return s.UsernameAttr
	}
	return "uid"
}

func (s DirectoryServer) emailAttr() string {
	if s.EmailAttr != "" {
		return s.EmailAttr
	}
	return "mail"
}

func canonicalUsername(srv DirectoryServer, entry *ldap.Entry, fallback string) string {
	if v := strings.TrimSpace(entry.GetAttributeValue(srv.usernameAttr())); v != "" {
		return v
	}
	return fallback
}

func canonicalEmail(srv DirectoryServer, entry *ldap.Entry, username string) string {
	if v := strings.TrimSpace(entry.GetAttributeValue(srv.emailAttr())); v != "" {
		return v
	}
	domain := srv.Domain
	if domain == "" {
		domain = "directory.invalid"
	}
	return username + "@" + domain
}
