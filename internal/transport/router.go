package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// SchemeDialer routes a dial to the Dialer registered for the endpoint's URL
// scheme.
type SchemeDialer map[string]Dialer

func (s SchemeDialer) Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	d, ok := s[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("no dialer for scheme %q", u.Scheme)
	}
	return d.Dial(ctx, endpoint, creds)
}
