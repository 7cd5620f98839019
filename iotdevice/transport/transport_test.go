package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestOptionTableValidate(t *testing.T) {
	t.Parallel()

	tbl := OptionTable{"s": OptionString, "n": OptionInt}
	for _, s := range []struct {
		name string
		v    interface{}
		want interface{}
		err  error
	}{
		{"s", "x", "x", nil},
		{"n", 5, int64(5), nil},
		{"n", int64(7), int64(7), nil},
		{"n", "5", nil, ErrOptionType},
		{"s", 1, nil, ErrOptionType},
		{"missing", 1, nil, ErrUnknownOption},
	} {
		g, err := tbl.Validate(s.name, s.v)
		if !errors.Is(err, s.err) {
			t.Errorf("Validate(%q, %v) error = %v, want %v", s.name, s.v, err, s.err)
			continue
		}
		if g != s.want {
			t.Errorf("Validate(%q, %v) = %v, want %v", s.name, s.v, g, s.want)
		}
	}
}

func TestResultOf(t *testing.T) {
	t.Parallel()

	for _, s := range []struct {
		err  error
		want Result
	}{
		{nil, ResultOK},
		{ErrUnknownOption, ResultInvalidArg},
		{ErrOptionType, ResultError},
		{fmt.Errorf("wrapped: %w", ErrInvalidSize), ResultInvalidSize},
		{ErrIndefiniteTime, ResultIndefiniteTime},
		{errors.New("boom"), ResultError},
	} {
		if g := ResultOf(s.err); g != s.want {
			t.Errorf("ResultOf(%v) = %s, want %s", s.err, g, s.want)
		}
	}
}

func TestReasonOf(t *testing.T) {
	t.Parallel()

	for _, s := range []struct {
		err  error
		want Reason
	}{
		{nil, ReasonConnectionOK},
		{fmt.Errorf("connect: %w", ErrBadCredential), ReasonBadCredential},
		{ErrDeviceDisabled, ReasonDeviceDisabled},
		{ErrExpiredSASToken, ReasonExpiredSASToken},
		{errors.New("eof"), ReasonCommunicationError},
	} {
		if g := ReasonOf(nil, s.err); g != s.want {
			t.Errorf("ReasonOf(%v) = %s, want %s", s.err, g, s.want)
		}
	}
}
