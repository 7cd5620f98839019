// Package credentials parses IoT Hub connection strings and
// generates shared access signatures.
package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseConnectionString parses the given string into a Credentials struct.
// If you use a shared access policy DeviceId is needed to be added manually.
func ParseConnectionString(cs string) (*Credentials, error) {
	m := &Credentials{}
	for _, chunk := range strings.Split(cs, ";") {
		if chunk == "" {
			continue
		}
		c := strings.SplitN(chunk, "=", 2)
		if len(c) != 2 {
			return nil, errors.New("malformed connection string")
		}

		switch c[0] {
		case "HostName":
			m.HostName = c[1]
		case "DeviceId":
			m.DeviceID = c[1]
		case "ModuleId":
			m.ModuleID = c[1]
		case "SharedAccessKey":
			m.SharedAccessKey = c[1]
		case "SharedAccessKeyName":
			m.SharedAccessKeyName = c[1]
		case "GatewayHostName":
			m.GatewayHostName = c[1]
		case "x509":
			m.X509 = strings.EqualFold(c[1], "true")
		default:
			return nil, fmt.Errorf("unknown connection string key %q", c[0])
		}
	}
	if m.HostName == "" {
		return nil, errors.New("HostName is missing in connection string")
	}
	if m.X509 && m.SharedAccessKey != "" {
		return nil, errors.New("x509 and SharedAccessKey are mutually exclusive")
	}
	if !m.X509 && m.SharedAccessKey == "" {
		return nil, errors.New("SharedAccessKey is missing in connection string")
	}
	return m, nil
}

// Credentials is a IoT Hub authorization entity.
type Credentials struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	GatewayHostName     string
	X509                bool
}

// String returns the connection string representation of c.
func (c *Credentials) String() string {
	var b strings.Builder
	add := func(k, v string) {
		if v == "" {
			return
		}
		if b.Len() != 0 {
			b.WriteByte(';')
		}
		b.WriteString(k + "=" + v)
	}
	add("HostName", c.HostName)
	add("DeviceId", c.DeviceID)
	add("ModuleId", c.ModuleID)
	add("SharedAccessKeyName", c.SharedAccessKeyName)
	add("SharedAccessKey", c.SharedAccessKey)
	add("GatewayHostName", c.GatewayHostName)
	if c.X509 {
		add("x509", "true")
	}
	return b.String()
}

type token struct {
	duration time.Duration
	time     time.Time
}

// TokenOption is token generation option.
type TokenOption func(opts *token)

// WithDuration sets token duration.
func WithDuration(d time.Duration) TokenOption {
	return func(opts *token) {
		opts.duration = d
	}
}

// WithCurrentTime overrides current time clock.
func WithCurrentTime(t time.Time) TokenOption {
	return func(opts *token) {
		opts.time = t
	}
}

// GenerateToken generates a SAS token for the given uri.
//
// Default token duration is one hour.
func (c *Credentials) GenerateToken(uri string, opts ...TokenOption) (string, error) {
	if uri == "" {
		return "", errors.New("uri is blank")
	}
	if c.SharedAccessKey == "" {
		return "", errors.New("SharedAccessKey is blank")
	}

	topts := &token{
		duration: time.Hour,
		time:     time.Now(),
	}
	for _, opt := range opts {
		opt(topts)
	}
	return Sign(c.SharedAccessKey, c.SharedAccessKeyName, uri, topts.time.Add(topts.duration))
}

// Sign returns a shared access signature for the given resource uri
// that expires at the given time signed by base64 encoded key.
func Sign(key, keyName, uri string, expiry time.Time) (string, error) {
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return SignWith(func(s string) (string, error) {
		h := hmac.New(sha256.New, b)
		if _, err := h.Write([]byte(s)); err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
	}, keyName, uri, expiry)
}

// SignWith is Sign that delegates computing the base64 signature
// of the string-to-sign to fn, e.g. to an HSM or edge workload API.
func SignWith(fn func(s string) (string, error), keyName, uri string, expiry time.Time) (string, error) {
	sr := url.QueryEscape(uri)
	se := expiry.Unix()

	// generate signature from uri and expiration time.
	sig, err := fn(fmt.Sprintf("%s\n%d", sr, se))
	if err != nil {
		return "", err
	}
	return "SharedAccessSignature " +
		"sr=" + sr +
		"&sig=" + url.QueryEscape(sig) +
		"&se=" + url.QueryEscape(strconv.FormatInt(se, 10)) +
		"&skn=" + url.QueryEscape(keyName), nil
}

// TokenExpiry extracts the expiration time out of a SAS token.
func TokenExpiry(sas string) (time.Time, error) {
	s := strings.TrimPrefix(sas, "SharedAccessSignature ")
	v, err := url.ParseQuery(s)
	if err != nil {
		return time.Time{}, err
	}
	se := v.Get("se")
	if se == "" {
		return time.Time{}, errors.New("token has no expiry")
	}
	n, err := strconv.ParseInt(se, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
