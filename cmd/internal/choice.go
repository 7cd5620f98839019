package internal

import (
	"fmt"
	"strings"
)

// ChoiceFlag is a flag.Value restricted to a fixed set of values,
// matching is case-insensitive.
type ChoiceFlag struct {
	opts []string
	curr string
}

// NewChoiceFlag creates a choice flag set to current, that can
// also take any of the other values.
func NewChoiceFlag(current string, other ...string) *ChoiceFlag {
	return &ChoiceFlag{opts: append([]string{current}, other...), curr: current}
}

func (f *ChoiceFlag) Set(s string) error {
	for _, o := range f.opts {
		if strings.EqualFold(s, o) {
			f.curr = o
			return nil
		}
	}
	return fmt.Errorf("valid values: %s", strings.Join(f.opts, ", "))
}

func (f *ChoiceFlag) String() string {
	return f.curr
}

// Options returns all accepted values, the initial one goes first.
func (f *ChoiceFlag) Options() []string {
	return append([]string(nil), f.opts...)
}
