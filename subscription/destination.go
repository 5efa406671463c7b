package subscription

import (
	"net/url"
	"strings"
)

// ValidateDestination checks that uri is an absolute http(s) callback address
func ValidateDestination(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return &InvalidDestinationError{URI: uri, Reason: "empty"}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return &InvalidDestinationError{URI: uri, Reason: err.Error()}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return &InvalidDestinationError{URI: uri, Reason: "missing scheme"}
	default:
		return &InvalidDestinationError{URI: uri, Reason: "unsupported scheme " + u.Scheme}
	}

	if u.Hostname() == "" {
		return &InvalidDestinationError{URI: uri, Reason: "missing host"}
	}
	return nil
}
