package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/deetdbg/deet/pkg/config"
	"github.com/deetdbg/deet/pkg/debugger"
	"github.com/deetdbg/deet/pkg/logflags"
	"github.com/deetdbg/deet/pkg/symbols"
	"github.com/deetdbg/deet/pkg/terminal"
	"github.com/deetdbg/deet/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// disableASLR launches the program with address space layout
	// randomization turned off.
	disableASLR bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const deetCommandLongDesc = `deet is a minimal debugger for Linux programs.

It starts the program under ptrace, runs it until it stops on a signal, exits
or is killed, and prints the call stack of a stopped program using the
frame pointer chain and the DWARF information of the executable.

The program must be built with debugging information and frame pointers,
for example with "gcc -g -O0 -fno-omit-frame-pointer".

Commands available at the (deet) prompt: run [args...], continue, backtrace,
quit and help.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main deet root command.
	rootCommand = &cobra.Command{
		Use:   "deet <program>",
		Short: "deet is a minimal debugger for Linux programs.",
		Long:  deetCommandLongDesc,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], conf))
		},
	}

	addLogFlags(rootCommand.PersistentFlags())
	rootCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the terminal before the first prompt.")
	rootCommand.Flags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	rootCommand.Flags().BoolVar(&disableASLR, "disable-aslr", conf.DisableASLR, "Run the target program with address space layout randomization disabled.")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout(), log)
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output: debugger, proc, symbols (default "debugger").`)
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
}

func printVersion(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "deet debugger\n%s\n", version.DeetVersion)
	if verbose {
		fmt.Fprintf(w, "%s\n", version.BuildInfo())
	}
}

// startupError returns the message printed when the symbols of the
// program can not be loaded.
func startupError(target string, err error) string {
	var openErr *symbols.OpenError
	if errors.As(err, &openErr) {
		return fmt.Sprintf("Could not open file %s", target)
	}
	return fmt.Sprintf("Could not load debugging symbols from %s: %v", target, err)
}

func execute(target string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	// Run the absolute path, exec must never search PATH for it.
	path, err := filepath.Abs(target)
	if err != nil {
		fmt.Println(startupError(target, &symbols.OpenError{Path: target, Err: err}))
		return 1
	}
	bi, err := symbols.Load(path)
	if err != nil {
		fmt.Println(startupError(target, err))
		return 1
	}
	defer bi.Close()

	d := debugger.New(&debugger.Config{DisableASLR: disableASLR, TTY: tty}, path, bi)
	defer d.Kill()

	term := terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
