package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mediavault/fetchd/internal/fault"
	"golang.org/x/time/rate"
)

// resolver is the authenticated HTTP layer shared by every adapter. It
// owns the per-platform rate limiter (admission control against the
// platform's tolerance, independent of the worker's retry backoff) and
// the classification of HTTP failures in to the fault taxonomy.
type resolver struct {
	platform Platform
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
}

const resolveTimeout = time.Second * 30

func newResolver(platform Platform, baseURL string, requestsPerSecond float64) *resolver {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}

	return &resolver{
		platform: platform,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{Timeout: resolveTimeout},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// getJSON performs an authenticated GET against the platform and decodes the
// 2xx response body in to dest. Non-2xx statuses are classified:
//   - 401/403 means the stored cookies were rejected (AuthExpired)
//   - 404/410 means the content is gone or private (NotFound)
//   - 429 carries the platform's Retry-After in to a RateLimited fault
func (resolver *resolver) getJSON(ctx context.Context, path string, cookies []byte, dest any) error {
	if err := resolver.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolver.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s resolve request: %w", resolver.platform, err)
	}

	if header := cookieHeader(cookies); header != "" {
		req.Header.Set("Cookie", header)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := resolver.client.Do(req)
	if err != nil {
		return fault.New(fault.Unexpected, fmt.Errorf("%s resolve request failed: %w", resolver.platform, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fault.New(fault.Unexpected, fmt.Errorf("failed to decode %s response: %w", resolver.platform, err))
		}

		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.Newf(fault.AuthExpired, "%s rejected stored credentials (status %d)", resolver.platform, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fault.Newf(fault.NotFound, "content not found on %s (status %d)", resolver.platform, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		backoff := retryAfter(resp)
		return fault.NewRateLimited(fmt.Errorf("%s rate limited the resolver (status %d)", resolver.platform, resp.StatusCode), backoff)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.Newf(fault.Unexpected, "%s resolve returned status %d: %s", resolver.platform, resp.StatusCode, body)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(raw); err == nil {
		return time.Until(at)
	}

	return 0
}

// cookieHeader flattens a Netscape-format cookie file (the native export
// format of every supported platform) in to a Cookie request header. Comment
// lines and malformed rows are skipped; the bundle stays opaque otherwise.
func cookieHeader(raw []byte) string {
	var pairs []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "#HttpOnly_"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}

		pairs = append(pairs, fields[5]+"="+fields[6])
	}

	return strings.Join(pairs, "; ")
}

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeFilename reduces a platform-provided title to something safe to
// suggest as an on-disk name. The storage layer keys artifacts by content
// hash regardless; this is only a display hint.
func sanitizeFilename(title string, fallback string, extension string) string {
	cleaned := strings.Trim(filenameSanitizer.ReplaceAllString(title, "_"), "_")
	if cleaned == "" {
		cleaned = fallback
	}

	return cleaned + extension
}
