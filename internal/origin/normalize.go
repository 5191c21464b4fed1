package origin

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrMalformedOrigin is returned by Normalize for values that are not a bare
// scheme://host[:port] origin.
var ErrMalformedOrigin = errors.New("malformed origin")

const maxOriginLength = 256

// Normalize lowercases an origin and strips the scheme's default port so that
// "HTTPS://App.Example.com:443" and "https://app.example.com" compare equal.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxOriginLength {
		return "", ErrMalformedOrigin
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedOrigin, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrMalformedOrigin
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", ErrMalformedOrigin
	}
	if u.Path != "" && u.Path != "/" {
		return "", ErrMalformedOrigin
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrMalformedOrigin
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	if port == "" {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host, nil
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}
