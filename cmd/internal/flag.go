package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JSONMapFlag collects key=value pairs, values that are valid JSON
// scalars (null, true, 1.5) keep their type, everything else is a string.
type JSONMapFlag map[string]interface{}

func jsonValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case nil, bool, float64:
		return v
	default:
		return s
	}
}

func (f *JSONMapFlag) Set(s string) error {
	if len(*f) == 0 {
		*f = JSONMapFlag{}
	}
	c := strings.SplitN(s, "=", 2)
	if len(c) != 2 {
		return errors.New("malformed key-value flag")
	}
	(*f)[c[0]] = jsonValue(c[1])
	return nil
}

func (f *JSONMapFlag) String() string {
	return fmt.Sprintf("%v", map[string]interface{}(*f))
}

type StringsMapFlag map[string]string

func (f *StringsMapFlag) Set(s string) error {
	if len(*f) == 0 {
		*f = StringsMapFlag{}
	}
	c := strings.SplitN(s, "=", 2)
	if len(c) != 2 {
		return errors.New("malformed key-value flag")
	}
	(*f)[c[0]] = c[1]
	return nil
}

func (f *StringsMapFlag) String() string {
	return fmt.Sprintf("%v", map[string]string(*f))
}
