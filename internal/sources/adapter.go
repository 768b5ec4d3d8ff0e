package sources

import "net/url"

// hostOf extracts the host from a URL for rate-limit keying. Invalid
// URLs return an empty key, which disables limiting for that request.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
