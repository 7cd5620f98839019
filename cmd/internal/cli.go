package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
)

// ErrInvalidUsage is returned when argv cannot be dispatched,
// the usage text has already been written by then.
var ErrInvalidUsage = errors.New("invalid usage")

// usageOutput is where usage texts go.
var usageOutput io.Writer = os.Stderr

// Command is a cli subcommand.
type Command struct {
	Name  string
	Alias string

	// Help describes positional arguments, Desc is a one-line summary.
	Help string
	Desc string

	Handler   HandlerFunc
	ParseFunc func(*flag.FlagSet)
}

// HandlerFunc is a subcommand handler.
type HandlerFunc func(context.Context, *flag.FlagSet) error

func (c *Command) matches(name string) bool {
	return name == c.Name || (c.Alias != "" && name == c.Alias)
}

// Run parses global flags registered by fn, picks the command named by
// the first positional argument and runs it with the remaining ones.
//
// "help" and "help COMMAND" print usage texts.
func Run(ctx context.Context, desc string, cmds []*Command, argv []string, fn func(*flag.FlagSet)) error {
	if len(argv) == 0 {
		panic("empty argv")
	}
	prog := argv[0]
	slices.SortFunc(cmds, func(a, b *Command) int {
		return strings.Compare(a.Name, b.Name)
	})

	global := flag.NewFlagSet(prog, flag.ContinueOnError)
	global.SetOutput(usageOutput)
	if fn != nil {
		fn(global)
	}
	global.Usage = func() { printMainUsage(prog, desc, cmds, global) }
	// the flag package prints parse errors together with usage
	if err := global.Parse(argv[1:]); err != nil {
		return ErrInvalidUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return ErrInvalidUsage
	}

	name, args := global.Arg(0), global.Args()[1:]
	if name == "help" {
		if len(args) == 0 {
			global.Usage()
			return nil
		}
		name, args = args[0], nil
	}
	i := slices.IndexFunc(cmds, func(c *Command) bool { return c.matches(name) })
	if i < 0 {
		fmt.Fprintf(usageOutput, "%s: unknown command %q\n\n", prog, name)
		global.Usage()
		return ErrInvalidUsage
	}
	cmd := cmds[i]

	local := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	local.SetOutput(usageOutput)
	if cmd.ParseFunc != nil {
		cmd.ParseFunc(local)
	}
	local.Usage = func() { printCommandUsage(prog, cmd, local, global) }
	if global.Arg(0) == "help" {
		local.Usage()
		return nil
	}
	if err := local.Parse(args); err != nil {
		return ErrInvalidUsage
	}

	err := cmd.Handler(ctx, local)
	if errors.Is(err, ErrInvalidUsage) {
		local.Usage()
	}
	return err
}

func printMainUsage(prog, desc string, cmds []*Command, global *flag.FlagSet) {
	fmt.Fprintf(usageOutput, "Usage: %s [OPTIONS] COMMAND [ARGS...]\n\n%s\n\nCommands:\n", prog, desc)
	w := tabwriter.NewWriter(usageOutput, 0, 4, 2, ' ', 0)
	for _, c := range cmds {
		name := c.Name
		if c.Alias != "" {
			name += " (" + c.Alias + ")"
		}
		fmt.Fprintf(w, "  %s\t%s\n", name, c.Desc)
	}
	_ = w.Flush()
	printFlags("Global options", global)
	fmt.Fprintf(usageOutput, "\nRun '%s help COMMAND' for details on a command.\n", prog)
}

func printCommandUsage(prog string, cmd *Command, local, global *flag.FlagSet) {
	fmt.Fprintf(usageOutput, "Usage: %s [OPTIONS] %s [COMMAND OPTIONS] %s\n\n%s\n",
		prog, cmd.Name, cmd.Help, cmd.Desc)
	printFlags("Command options", local)
	printFlags("Global options", global)
}

func printFlags(title string, f *flag.FlagSet) {
	n := 0
	f.VisitAll(func(*flag.Flag) { n++ })
	if n == 0 {
		return
	}
	fmt.Fprintf(usageOutput, "\n%s:\n", title)
	f.PrintDefaults()
}

// ArgsToMap pairs up positional arguments: [a b c d] becomes {a: b, c: d}.
func ArgsToMap(s []string) (map[string]string, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("key-value arguments must come in pairs, got %d", len(s))
	}
	m := make(map[string]string, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		m[s[i]] = s[i+1]
	}
	return m, nil
}

func OutputLine(s string) error {
	_, err := fmt.Println(s)
	return err
}

// OutputJSON prints v as indented or, when compress is true, compact JSON.
func OutputJSON(v interface{}, compress bool) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return OutputRawJSON(b, compress)
}

// OutputRawJSON reformats and prints an already encoded document.
func OutputRawJSON(b []byte, compress bool) error {
	var buf bytes.Buffer
	var err error
	if compress {
		err = json.Compact(&buf, b)
	} else {
		err = json.Indent(&buf, b, "", "\t")
	}
	if err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = os.Stdout.Write(buf.Bytes())
	return err
}
