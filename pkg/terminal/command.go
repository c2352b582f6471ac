// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	sys "golang.org/x/sys/unix"

	"github.com/deetdbg/deet/pkg/debugger"
	"github.com/deetdbg/deet/pkg/proc"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the deet terminal process.
type Commands struct {
	cmds []command
	// completions indexes every alias for tab completion.
	completions *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"run", "r"}, cmdFn: run, helpMsg: `Run the program.

	run [args...]

Kills the program if it is already running, starts it again with the given
arguments and lets it run until it stops, exits or is killed.
Arguments are split like a shell would, backticks are not supported.`},
		{aliases: []string{"continue", "c", "cont"}, cmdFn: cont, helpMsg: `Run until the program stops, exits or is killed.`},
		{aliases: []string{"backtrace", "bt", "back", "stack"}, cmdFn: backtrace, helpMsg: `Print stack trace.

	backtrace

Prints one line per frame, innermost first: the frame number, the function
and source line when debugging symbols cover the address, and the address.`},
		{aliases: []string{"quit", "q", "exit"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	quit

The running program, if any, is killed.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildCompletions()
	return c
}

func (c *Commands) buildCompletions() {
	c.completions = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.completions.Add(alias, cmd.aliases[0])
		}
	}
}

// complete returns the aliases starting with line. Only the command name
// is completed.
func (c *Commands) complete(line string) []string {
	if strings.ContainsAny(line, " \t") {
		return nil
	}
	r := c.completions.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// An empty command does nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildCompletions()
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// parseArgv splits the arguments of run like a shell would.
func parseArgv(args string) ([]string, error) {
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

func run(t *Term, args string) error {
	newArgv, err := parseArgv(args)
	if err != nil {
		return err
	}
	if pid, ok := t.debugger.TargetPid(); ok {
		fmt.Fprintf(t.stdout, "Killing running inferior (pid %d)\n", pid)
	}
	var status proc.Status
	t.waitForTarget(func() { status, err = t.debugger.Run(newArgv) })
	if err != nil {
		var launchErr *debugger.LaunchError
		if errors.As(err, &launchErr) {
			fmt.Fprintln(t.stdout, "could not start subprocess")
			return nil
		}
		return err
	}
	printStatus(t, status)
	return nil
}

func cont(t *Term, args string) error {
	var (
		status proc.Status
		err    error
	)
	t.waitForTarget(func() { status, err = t.debugger.Continue() })
	if err != nil {
		return err
	}
	printStatus(t, status)
	return nil
}

func backtrace(t *Term, args string) error {
	frames, err := t.debugger.Stacktrace()
	if err != nil {
		return err
	}
	printStack(t, frames)
	return nil
}

// ExitRequestError is returned when the user
// exits Deet.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func signalName(sig syscall.Signal) string {
	if name := sys.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}

func formatStatus(s proc.Status) string {
	switch s := s.(type) {
	case proc.Stopped:
		return fmt.Sprintf("stopped, signal %s, at address %#x", signalName(s.Signal), s.PC)
	case proc.Exited:
		return fmt.Sprintf("exited with code %d", s.Code)
	case proc.Signaled:
		return fmt.Sprintf("killed by signal %s", signalName(s.Signal))
	}
	panic(fmt.Sprintf("unknown status %T", s))
}

func printStatus(t *Term, s proc.Status) {
	fmt.Fprintln(t.stdout, formatStatus(s))
}

func printStack(t *Term, frames []proc.Stackframe) {
	for _, frame := range frames {
		idx := fmt.Sprintf("%d:", frame.Index)
		if !t.dumb {
			idx = fmt.Sprintf(terminalHighlightEscapeCode, t.conf.FrameIndexColor) + idx + terminalResetEscapeCode
		}
		parts := []string{idx}
		if frame.Function != "" {
			parts = append(parts, frame.Function)
		}
		if frame.Line != "" {
			parts = append(parts, t.substitutePath(frame.Line))
		}
		parts = append(parts, fmt.Sprintf("%#x", frame.PC))
		fmt.Fprintln(t.stdout, strings.Join(parts, " "))
	}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
