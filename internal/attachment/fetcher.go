package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"triggerhub/internal/constants"
	"triggerhub/internal/credentials"
	"triggerhub/internal/provider"
	"triggerhub/pkg/circuitbreaker"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/models"
)

// Source downloads provider-hosted attachments for one subscription.
type Source interface {
	FetchAttachment(ctx context.Context, ref models.AttachmentReference, limit int64) ([]byte, error)
}

type providerSource struct {
	fetcher provider.AttachmentFetcher
	cred    *credentials.Credential
	sub     *models.Subscription
}

// ProviderSource binds a provider's attachment API to a subscription and
// its credential. It returns nil when the provider has no attachment API.
func ProviderSource(p provider.Provider, cred *credentials.Credential, sub *models.Subscription) Source {
	fetcher, ok := p.(provider.AttachmentFetcher)
	if !ok {
		return nil
	}
	return &providerSource{fetcher: fetcher, cred: cred, sub: sub}
}

func (s *providerSource) FetchAttachment(ctx context.Context, ref models.AttachmentReference, limit int64) ([]byte, error) {
	return s.fetcher.FetchAttachment(ctx, s.cred, s.sub, ref, limit)
}

// ErrBlockedURL marks a link the fetcher refuses to download.
var ErrBlockedURL = errors.New("attachment: url not allowed")

// HTTPFetcher downloads linked content. Calls go through a circuit breaker
// so a failing host does not stall every event that links to it.
//
// Only http and https links are followed. Unless private networks are
// allowed, connections to loopback, private, link-local and unspecified
// addresses are refused at dial time, after DNS resolution.
type HTTPFetcher struct {
	client       *http.Client
	cb           *circuitbreaker.Wrapper
	allowedHosts map[string]struct{}
	allowPrivate bool
}

type FetcherOption func(*HTTPFetcher)

// WithAllowedHosts restricts downloads to the named hosts.
func WithAllowedHosts(hosts ...string) FetcherOption {
	return func(f *HTTPFetcher) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				f.allowedHosts[h] = struct{}{}
			}
		}
	}
}

// WithPrivateNetworks lets the fetcher reach loopback and private addresses.
func WithPrivateNetworks() FetcherOption {
	return func(f *HTTPFetcher) {
		f.allowPrivate = true
	}
}

type fetchResult struct {
	data        []byte
	contentType string
}

func NewHTTPFetcher(client *http.Client, cfg circuitbreaker.Config, opts ...FetcherOption) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if cfg.Name == "" {
		cfg.Name = "attachment-http"
	}
	f := &HTTPFetcher{cb: circuitbreaker.NewWrapper(cfg), allowedHosts: make(map[string]struct{})}
	for _, opt := range opts {
		opt(f)
	}

	guarded := *client
	if !f.allowPrivate {
		dialer := &net.Dialer{Timeout: constants.DefaultHTTPTimeout, Control: guardDial}
		guarded.Transport = &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return f.checkURL(req.URL)
	}
	f.client = &guarded
	return f
}

const maxRedirects = 10

// Fetch reads at most limit bytes from rawURL. Larger bodies fail with
// ErrOversizedAttachment; disallowed links fail with ErrBlockedURL.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, limit int64) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if err := f.checkURL(u); err != nil {
		return nil, "", err
	}

	result, err := f.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return f.fetch(ctx, u.String(), limit)
	})
	if err != nil {
		if circuitbreaker.IsOpenError(err) {
			return nil, "", provider.Transient(fmt.Errorf("circuit breaker is open for %s: %w", f.cb.Name(), err))
		}
		return nil, "", err
	}
	r := result.(*fetchResult)
	return r.data, r.contentType, nil
}

func (f *HTTPFetcher) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedURL)
	}
	if len(f.allowedHosts) > 0 {
		if _, ok := f.allowedHosts[host]; !ok {
			return fmt.Errorf("%w: host %s is not allowed", ErrBlockedURL, host)
		}
	}
	if ip := net.ParseIP(host); ip != nil && !f.allowPrivate && blockedIP(ip) {
		return fmt.Errorf("%w: address %s", ErrBlockedURL, ip)
	}
	return nil
}

// guardDial runs after name resolution, so it sees the address actually
// being dialed.
func guardDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || blockedIP(ip) {
		return fmt.Errorf("%w: address %s", ErrBlockedURL, host)
	}
	return nil
}

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		sharedAddressSpace.Contains(ip)
}

func (f *HTTPFetcher) fetch(ctx context.Context, url string, limit int64) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrBlockedURL) {
			return nil, err
		}
		return nil, provider.Transient(fmt.Errorf("attachment request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return nil, provider.ClassifyStatus(resp.StatusCode, nil)
	}
	if resp.ContentLength > limit {
		return nil, apperrors.ErrOversizedAttachment.WithDetail("size", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("failed to read attachment: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, apperrors.ErrOversizedAttachment.WithDetail("size", fmt.Sprintf(">%d", limit))
	}
	return &fetchResult{data: data, contentType: resp.Header.Get("Content-Type")}, nil
}
