// Package endpoint derives region-qualified service addresses from an
// account's global endpoint.
//
// A global endpoint such as https://acct.documents.example.com:443 serves the
// account from its write region. Each region the account is replicated to is
// reachable at https://acct-<region>.documents.example.com:443. Derivation is a
// pure string transform; there is no inverse.
package endpoint

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/docdb-driver/drc/internal/status"
)

// Endpoint is a derived per-region request target.
type Endpoint struct {
	Region string `json:"region"`
	URL    string `json:"url"`
}

// NormalizeRegion lower-cases a region display name and joins its words with
// hyphens: "East US" and "east_us" both become "east-us".
func NormalizeRegion(region string) string {
	fields := strings.FieldsFunc(strings.ToLower(region), func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	})
	return strings.Join(fields, "-")
}

// validLabel reports whether s uses only [a-z0-9-].
func validLabel(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

// DeriveRegionalEndpoint returns globalEndpoint with its account label suffixed
// by the normalized region. Scheme, port, path and query are preserved.
func DeriveRegionalEndpoint(globalEndpoint, regionName string) (string, error) {
	u, err := url.Parse(globalEndpoint)
	if err != nil {
		return "", &status.InvalidEndpointFormatError{Endpoint: globalEndpoint, Reason: err.Error()}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &status.InvalidEndpointFormatError{Endpoint: globalEndpoint, Reason: "endpoint must be an absolute URL"}
	}

	region := NormalizeRegion(regionName)
	if region == "" {
		return "", &status.InvalidEndpointFormatError{Endpoint: globalEndpoint, Reason: "region name is empty"}
	}
	if !validLabel(region) {
		return "", &status.InvalidEndpointFormatError{Endpoint: globalEndpoint, Reason: "region " + strconv.Quote(regionName) + " is not a valid host label"}
	}

	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return "", &status.InvalidEndpointFormatError{Endpoint: globalEndpoint, Reason: "host is an IP address"}
	}

	dot := strings.IndexByte(host, '.')
	if dot <= 0 || dot == len(host)-1 {
		return "", &status.InvalidEndpointFormatError{Endpoint: globalEndpoint, Reason: "host has no account label"}
	}

	regionalHost := host[:dot] + "-" + region + host[dot:]
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(regionalHost, port)
	} else {
		u.Host = regionalHost
	}
	return u.String(), nil
}

// RegionalEndpoints derives one endpoint per preferred region, in order.
// Duplicate regions after normalization are dropped.
func RegionalEndpoints(globalEndpoint string, regions []string) ([]Endpoint, error) {
	seen := make(map[string]struct{}, len(regions))
	endpoints := make([]Endpoint, 0, len(regions))
	for _, region := range regions {
		normalized := NormalizeRegion(region)
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}

		regional, err := DeriveRegionalEndpoint(globalEndpoint, region)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, Endpoint{Region: normalized, URL: regional})
	}
	return endpoints, nil
}
