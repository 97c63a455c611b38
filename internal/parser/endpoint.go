package parser

import (
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/purell"
)

// Trailing slashes and query order are preserved.
const normalizationFlags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagUppercaseEscapes |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveFragment

// NormalizeEndpoint validates an absolute http(s) URL and returns it in
// canonical form.
func NormalizeEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", raw)
	}
	return purell.NormalizeURL(u, normalizationFlags), nil
}

// ProxiedURL builds the request URL that asks the proxy at base to forward
// to target: <base>?url=<escaped target>.
func ProxiedURL(base, target string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing proxy base %q: %w", base, err)
	}
	q := u.Query()
	q.Set("url", target)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
