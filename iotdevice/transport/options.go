package transport

import (
	"fmt"
	"sort"
	"strconv"
)

// OptionKind is the only accepted value type of an option.
type OptionKind int

const (
	OptionString OptionKind = iota
	OptionInt
)

func (k OptionKind) String() string {
	if k == OptionInt {
		return "int"
	}
	return "string"
}

// OptionTable maps option names to their value kinds.
type OptionTable map[string]OptionKind

// Validate checks that v has the kind name requires and returns it
// normalized to string or int64. Integers of any width are accepted
// for int options, no other conversion is made.
func (t OptionTable) Validate(name string, v interface{}) (interface{}, error) {
	k, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOption, name)
	}
	switch k {
	case OptionString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %q wants %s, got %T", ErrOptionType, name, k, v)
		}
		return s, nil
	case OptionInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint32:
			return int64(n), nil
		}
		return nil, fmt.Errorf("%w: %q wants %s, got %T", ErrOptionType, name, k, v)
	default:
		panic("unknown option kind " + strconv.Itoa(int(k)))
	}
}

// Names returns sorted option names.
func (t OptionTable) Names() []string {
	s := make([]string, 0, len(t))
	for k := range t {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}

// Merge returns a table with options of both t and o, o wins on conflicts.
func (t OptionTable) Merge(o OptionTable) OptionTable {
	m := make(OptionTable, len(t)+len(o))
	for k, v := range t {
		m[k] = v
	}
	for k, v := range o {
		m[k] = v
	}
	return m
}

// Common option names shared by several drivers.
const (
	OptionTrustedCerts    = "TrustedCerts"
	OptionX509Certificate = "x509certificate"
	OptionX509PrivateKey  = "x509privatekey"
	OptionProxyData       = "proxy_data"
	OptionKeepAlive       = "keepalive"
	OptionQoS             = "qos"
	OptionMinPollingTime  = "MinimumPollingTime"
	OptionTimeout         = "timeout"
	OptionCBSLifetime     = "cbs_token_lifetime"

	// OptionProductInfo is reported to the hub as the client type.
	OptionProductInfo = "product_info"
)
