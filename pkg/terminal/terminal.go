package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/deetdbg/deet/pkg/config"
	"github.com/deetdbg/deet/pkg/debugger"
	"github.com/deetdbg/deet/pkg/logflags"
)

// lineEditor is the part of *liner.State the terminal uses.
type lineEditor interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	ReadHistory(r io.Reader) (int, error)
	WriteHistory(w io.Writer) (int, error)
	SetCtrlCAborts(aborts bool)
	SetCompleter(f liner.Completer)
	Close() error
}

// Term represents the terminal running deet.
type Term struct {
	debugger *debugger.Debugger
	conf     *config.Config
	prompt   string
	line     lineEditor
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	stderr   io.Writer
	InitFile string

	// waiting is true while a command is blocked on the target.
	waitingMutex sync.Mutex
	waiting      bool
}

// New returns a new Term.
func New(d *debugger.Debugger, conf *config.Config) *Term {
	dumb := isDumb()
	t := newTerm(d, conf, getColorableWriter(dumb), os.Stderr)
	t.dumb = dumb
	t.line = liner.NewLiner()
	return t
}

func newTerm(d *debugger.Debugger, conf *config.Config, stdout, stderr io.Writer) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}
	conf.FrameIndexColor = validColor(conf.FrameIndexColor)

	return &Term{
		debugger: d,
		conf:     conf,
		prompt:   "(deet) ",
		cmds:     cmds,
		dumb:     true,
		stdout:   stdout,
		stderr:   stderr,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// sigintGuard keeps SIGINT from killing the debugger. The target shares
// our process group, so it receives the same SIGINT and reports it as a
// stop, which ends the wait.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	log := logflags.DebuggerLogger()
	for range ch {
		t.waitingMutex.Lock()
		waiting := t.waiting
		t.waitingMutex.Unlock()
		if waiting {
			log.Debugf("received SIGINT while waiting for the target")
		}
	}
}

// waitForTarget runs fn, which blocks until the target changes state.
func (t *Term) waitForTarget(fn func()) {
	t.waitingMutex.Lock()
	t.waiting = true
	t.waitingMutex.Unlock()
	defer func() {
		t.waitingMutex.Lock()
		t.waiting = false
		t.waitingMutex.Unlock()
	}()
	fn()
}

// Run begins running deet in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer func() {
		signal.Stop(ch)
		close(ch)
	}()
	go t.sigintGuard(ch)

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.cmds.complete)
	t.loadHistory()

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(t.stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				fmt.Fprintln(t.stdout, `Type "quit" to exit`)
				continue
			}
			if _, exitErr := t.handleExit(); exitErr != nil {
				fmt.Fprintf(t.stderr, "%v\n", exitErr)
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if err := t.call(cmdstr); err != nil {
			return t.handleExit()
		}
	}
}

// call executes one command line and prints its error, if any. The only
// error returned is ExitRequestError.
func (t *Term) call(cmdstr string) error {
	err := t.cmds.Call(cmdstr, t)
	if err == nil {
		return nil
	}
	if _, ok := err.(ExitRequestError); ok {
		return err
	}
	if errors.Is(err, debugger.ErrNoTarget) {
		fmt.Fprintln(t.stdout, "no target running")
		return nil
	}
	fmt.Fprintf(t.stderr, "Command failed: %s\n", err)
	return nil
}

// Substitutes directory to source file.
//
// Ensures that only directory is substituted, for example:
// substitute from `/dir/subdir`, substitute to `/new`
// for file path `/dir/subdir/file` will return file path `/new/file`.
// for file path `/dir/subdir-2/file` substitution will not be applied.
//
// If more than one substitution rule is defined, the rules are applied
// in the order they are defined, first rule that matches is used for
// substitution.
func (t *Term) substitutePath(path string) string {
	if t.conf == nil {
		return path
	}
	for _, r := range t.conf.SubstitutePath {
		from := r.From
		to := r.To

		if !strings.HasSuffix(from, "/") {
			from = from + "/"
		}
		if !strings.HasSuffix(to, "/") {
			to = to + "/"
		}
		if strings.HasPrefix(path, from) {
			return strings.Replace(path, from, to, 1)
		}
	}
	return path
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if strings.TrimSpace(l) != "" {
		t.line.AppendHistory(l)
		t.saveHistory()
	}

	return l, nil
}

func (t *Term) loadHistory() {
	path, err := config.HistoryFilePath()
	if err != nil {
		fmt.Fprintf(t.stderr, "Unable to load history file: %v.\n", err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := t.line.ReadHistory(f); err != nil {
		fmt.Fprintf(t.stderr, "Unable to read history file: %v.\n", err)
	}
}

func (t *Term) saveHistory() {
	path, err := config.HistoryFilePath()
	if err != nil {
		fmt.Fprintf(t.stderr, "Warning: failed to save history file: %v\n", err)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(t.stderr, "Warning: failed to save history file: %v\n", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Fprintf(t.stderr, "Warning: failed to save history file: %v\n", err)
	}
}

func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		t.saveHistory()
	}
	if pid, ok := t.debugger.TargetPid(); ok {
		fmt.Fprintf(t.stdout, "Killing running inferior (pid %d)\n", pid)
	}
	if err := t.debugger.Kill(); err != nil {
		return 1, err
	}
	return 0, nil
}
