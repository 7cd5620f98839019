package internal

import (
	"bytes"
	"context"
	"flag"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestArgsToMap(t *testing.T) {
	t.Parallel()

	for _, s := range []struct {
		args []string
		want map[string]string
	}{
		{[]string{"a", "b", "c", "d"}, map[string]string{"a": "b", "c": "d"}},
		{[]string{}, map[string]string{}},
		{[]string{"a"}, nil}, // errors
	} {
		m, _ := ArgsToMap(s.args)
		if !reflect.DeepEqual(m, s.want) {
			t.Errorf("m, _ = ArgsToMap(%v); s = %v, want %v", s.args, m, s.want)
		}
	}
}

// swapUsageOutput redirects usage texts for the duration of a test,
// tests that call it must not run in parallel.
func swapUsageOutput(t *testing.T, w io.Writer) {
	prev := usageOutput
	usageOutput = w
	t.Cleanup(func() { usageOutput = prev })
}

func TestRunDispatches(t *testing.T) {
	swapUsageOutput(t, io.Discard)

	var got []string
	var verbose bool
	cmds := []*Command{
		{
			Name:  "send",
			Alias: "s",
			Handler: func(_ context.Context, f *flag.FlagSet) error {
				got = append(got, f.Args()...)
				return nil
			},
		},
		{
			Name:  "fail",
			Alias: "f",
			Handler: func(context.Context, *flag.FlagSet) error {
				return ErrInvalidUsage
			},
		},
	}
	common := func(f *flag.FlagSet) {
		f.BoolVar(&verbose, "v", false, "verbose")
	}

	if err := Run(context.Background(), "test", cmds, []string{"cli", "-v", "s", "a", "b"}, common); err != nil {
		t.Fatal(err)
	}
	if !verbose || !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("verbose = %t, args = %v", verbose, got)
	}
	for _, argv := range [][]string{
		{"cli"},
		{"cli", "unknown"},
		{"cli", "fail"},
		{"cli", "-nope", "s"},
		{"cli", "s", "-nope"},
	} {
		if err := Run(context.Background(), "test", cmds, argv, common); err != ErrInvalidUsage {
			t.Errorf("Run(%v) = %v, want %v", argv, err, ErrInvalidUsage)
		}
	}
}

func TestRunUsage(t *testing.T) {
	var b bytes.Buffer
	swapUsageOutput(t, &b)

	cmds := []*Command{
		{Name: "watch", Desc: "watch events", Handler: func(context.Context, *flag.FlagSet) error { return nil }},
		{
			Name:    "send",
			Alias:   "s",
			Help:    "PAYLOAD",
			Desc:    "send a message",
			Handler: func(context.Context, *flag.FlagSet) error { return nil },
			ParseFunc: func(f *flag.FlagSet) {
				f.String("mid", "", "message id")
			},
		},
	}
	if err := Run(context.Background(), "test tool", cmds, []string{"cli", "help"}, nil); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"Usage: cli [OPTIONS] COMMAND", "test tool", "send (s)", "watch"} {
		if !strings.Contains(out, want) {
			t.Errorf("usage %q doesn't contain %q", out, want)
		}
	}
	if strings.Index(out, "send (s)") > strings.Index(out, "watch") {
		t.Errorf("commands are not sorted: %q", out)
	}

	b.Reset()
	if err := Run(context.Background(), "test tool", cmds, []string{"cli", "help", "s"}, nil); err != nil {
		t.Fatal(err)
	}
	out = b.String()
	for _, want := range []string{"cli [OPTIONS] send [COMMAND OPTIONS] PAYLOAD", "Command options", "-mid"} {
		if !strings.Contains(out, want) {
			t.Errorf("usage %q doesn't contain %q", out, want)
		}
	}
	if strings.Contains(out, "Global options") {
		t.Errorf("usage %q lists empty global options", out)
	}

	b.Reset()
	if err := Run(context.Background(), "test tool", cmds, []string{"cli", "bogus"}, nil); err != ErrInvalidUsage {
		t.Fatalf("err = %v, want %v", err, ErrInvalidUsage)
	}
	if !strings.Contains(b.String(), `unknown command "bogus"`) {
		t.Errorf("usage %q doesn't name the unknown command", b.String())
	}
}
