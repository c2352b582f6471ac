package native

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"

	"github.com/deetdbg/deet/pkg/proc"
	protest "github.com/deetdbg/deet/pkg/proc/test"
	"github.com/deetdbg/deet/pkg/symbols"
)

// launchAndExitEnv makes the test binary launch the program it names and
// exit right away, leaving the process traced.
const launchAndExitEnv = "DEET_TEST_LAUNCH_AND_EXIT"

func TestMain(m *testing.M) {
	if path := os.Getenv(launchAndExitEnv); path != "" {
		p, err := Launch([]string{path}, 0, "")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Println(p.Pid())
		os.Exit(0)
	}
	os.Exit(protest.RunTestsWithFixtures(m))
}

func withTestProcess(t *testing.T, name string, flags proc.LaunchFlags, fn func(p *Process, fixture protest.Fixture)) {
	t.Helper()
	fixture := protest.BuildFixture(t, name)
	p, err := Launch([]string{fixture.Path}, flags, "")
	if err != nil {
		t.Fatalf("Launch(%s): %v", fixture.Path, err)
	}
	defer func() {
		if err := p.Kill(); err != nil {
			t.Errorf("Kill: %v", err)
		}
	}()
	fn(p, fixture)
}

func assertExited(t *testing.T, status proc.Status, code int) {
	t.Helper()
	exited, ok := status.(proc.Exited)
	if !ok {
		t.Fatalf("expected the process to exit, got %#v", status)
	}
	if exited.Code != code {
		t.Fatalf("expected exit code %d, got %d", code, exited.Code)
	}
}

func TestLaunchStopsAtEntry(t *testing.T) {
	withTestProcess(t, "sample", proc.LaunchDisableASLR, func(p *Process, fixture protest.Fixture) {
		if p.Exited() {
			t.Fatal("process exited before the first resume")
		}
		ef, err := elf.Open(fixture.Path)
		if err != nil {
			t.Fatal(err)
		}
		defer ef.Close()

		frames, err := p.Stacktrace(nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(frames) == 0 {
			t.Fatal("no frames at entry")
		}
		if frames[0].PC != ef.Entry {
			t.Errorf("expected to be stopped at the entry point %#x, got %#x", ef.Entry, frames[0].PC)
		}
	})
}

func TestResumeExitCode(t *testing.T) {
	for _, tc := range []struct {
		fixture string
		code    int
	}{
		{"sample", 0},
		{"exitcode", 7},
	} {
		t.Run(tc.fixture, func(t *testing.T) {
			withTestProcess(t, tc.fixture, 0, func(p *Process, _ protest.Fixture) {
				status, err := p.Resume()
				if err != nil {
					t.Fatal(err)
				}
				assertExited(t, status, tc.code)
				if !p.Exited() {
					t.Error("process not marked as exited")
				}

				_, err = p.Resume()
				var exitedErr *proc.ErrProcessExited
				if !errors.As(err, &exitedErr) {
					t.Fatalf("expected ErrProcessExited resuming a dead process, got %v", err)
				}
				if exitedErr.Pid != p.Pid() {
					t.Errorf("wrong pid in error: %d", exitedErr.Pid)
				}
				if _, err := p.Stacktrace(nil); err == nil {
					t.Error("backtrace of a dead process should fail")
				}
			})
		})
	}
}

func TestResumeKilledExternally(t *testing.T) {
	withTestProcess(t, "sleeper", 0, func(p *Process, _ protest.Fixture) {
		pid := p.Pid()
		timer := time.AfterFunc(500*time.Millisecond, func() {
			sys.Kill(pid, sys.SIGKILL)
		})
		defer timer.Stop()

		status, err := p.Resume()
		if err != nil {
			t.Fatal(err)
		}
		signaled, ok := status.(proc.Signaled)
		if !ok {
			t.Fatalf("expected the process to be killed, got %#v", status)
		}
		if signaled.Signal != sys.SIGKILL {
			t.Errorf("expected SIGKILL, got %v", signaled.Signal)
		}
		if !p.Exited() {
			t.Error("process not marked as exited")
		}
	})
}

func TestLaunchNotExecutable(t *testing.T) {
	f, err := os.CreateTemp("", "deet-notexec")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString("this is not a program\n")
	f.Close()

	for _, path := range []string{f.Name(), "/nonexistent/program"} {
		p, err := Launch([]string{path}, 0, "")
		if err == nil {
			p.Kill()
			t.Errorf("launching %s should fail", path)
		}
	}
	if _, err := Launch(nil, 0, ""); err == nil {
		t.Error("launching an empty command should fail")
	}
}

func TestKillReaps(t *testing.T) {
	fixture := protest.BuildFixture(t, "sleeper")
	p, err := Launch([]string{fixture.Path}, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	pid := p.Pid()
	if err := p.Kill(); err != nil {
		t.Fatal(err)
	}
	if !p.Exited() {
		t.Fatal("process not marked as exited after Kill")
	}
	// Killing twice is a no-op.
	if err := p.Kill(); err != nil {
		t.Fatal(err)
	}

	var ws sys.WaitStatus
	_, err = sys.Wait4(pid, &ws, sys.WNOHANG|sys.WALL, nil)
	if !errors.Is(err, sys.ECHILD) {
		t.Fatalf("expected no child left to reap, got %v", err)
	}
}

func TestBacktraceCallChain(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("frame layout checked on amd64 only")
	}
	fixture := protest.BuildFixture(t, "callchain")
	bi, err := symbols.Load(fixture.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer bi.Close()

	withTestProcess(t, "callchain", 0, func(p *Process, _ protest.Fixture) {
		status, err := p.Resume()
		if err != nil {
			t.Fatal(err)
		}
		stopped, ok := status.(proc.Stopped)
		if !ok {
			t.Fatalf("expected a stop, got %#v", status)
		}
		if stopped.Signal != sys.SIGSEGV {
			t.Fatalf("expected SIGSEGV, got %v", stopped.Signal)
		}

		frames, err := p.Stacktrace(bi)
		if err != nil {
			t.Fatal(err)
		}
		if frames[0].PC != stopped.PC {
			t.Errorf("frame 0 at %#x, stop reported at %#x", frames[0].PC, stopped.PC)
		}
		expected := []string{"main.c", "main.b", "main.a", "main.main"}
		if len(frames) < len(expected) {
			t.Fatalf("expected at least %d frames, got %#v", len(expected), frames)
		}
		for i, fn := range expected {
			if frames[i].Index != i {
				t.Errorf("frame %d has index %d", i, frames[i].Index)
			}
			if frames[i].Function != fn {
				t.Errorf("frame %d: expected %s, got %q", i, fn, frames[i].Function)
			}
			if frames[i].Line == "" {
				t.Errorf("frame %d (%s) has no line", i, fn)
			}
		}
	})
}

func TestLaunchWithTTY(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pseudo terminal available: %v", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	go func() {
		// drain the terminal so the child never blocks on a full buffer
		buf := make([]byte, 512)
		for {
			if _, err := ptmx.Read(buf); err != nil {
				return
			}
		}
	}()

	fixture := protest.BuildFixture(t, "sample")
	p, err := Launch([]string{fixture.Path}, 0, tty.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Kill()
	status, err := p.Resume()
	if err != nil {
		t.Fatal(err)
	}
	assertExited(t, status, 0)

	if _, err := Launch([]string{fixture.Path}, 0, os.DevNull); err == nil {
		t.Error("launching on something that is not a terminal should fail")
	}
}

func TestTracerExitKillsProcess(t *testing.T) {
	fixture := protest.BuildFixture(t, "sleeper")
	// The traced process inherits stdout, a pipe would stay open as long
	// as it lives.
	outPath := filepath.Join(t.TempDir(), "pid")
	outFile, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer outFile.Close()
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), launchAndExitEnv+"="+fixture.Path)
	cmd.Stdout = outFile
	if err := cmd.Run(); err != nil {
		t.Fatalf("launcher: %v", err)
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		t.Fatalf("launcher output %q: %v", out, err)
	}
	if !protest.WaitProcessGone(pid, 5*time.Second) {
		sys.Kill(pid, sys.SIGKILL)
		t.Fatalf("process %d still running after its tracer exited", pid)
	}
}

func TestEntryPoint(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags protest.BuildFlags
	}{
		{"exec", 0},
		{"pie", protest.BuildModePIE},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fixture := protest.BuildFixtureWithFlags(t, "sample", tc.flags)
			ef, err := elf.Open(fixture.Path)
			if err != nil {
				t.Fatal(err)
			}
			defer ef.Close()

			p, err := Launch([]string{fixture.Path}, 0, "")
			if err != nil {
				t.Fatal(err)
			}
			defer p.Kill()
			entry, err := p.EntryPoint()
			if err != nil {
				t.Fatal(err)
			}
			switch ef.Type {
			case elf.ET_EXEC:
				if entry != ef.Entry {
					t.Errorf("expected entry point %#x, got %#x", ef.Entry, entry)
				}
			case elf.ET_DYN:
				if entry <= ef.Entry || (entry-ef.Entry)%uint64(os.Getpagesize()) != 0 {
					t.Errorf("entry point %#x is not %#x moved by whole pages", entry, ef.Entry)
				}
			}

			p.Kill()
			if _, err := p.EntryPoint(); err == nil {
				t.Error("entry point of a dead process")
			}
		})
	}
}

func TestEntryPointFromAuxv(t *testing.T) {
	words := func(ws ...uint64) []byte {
		buf := make([]byte, 8*len(ws))
		for i, w := range ws {
			binary.LittleEndian.PutUint64(buf[8*i:], w)
		}
		return buf
	}
	for _, tc := range []struct {
		auxv  []byte
		entry uint64
	}{
		{words(6, 4096, _AT_ENTRY, 0x401000, _AT_NULL, 0), 0x401000},
		{words(6, 4096, _AT_NULL, 0, _AT_ENTRY, 0x401000), 0},
		{words(6, 4096), 0},
		{words(6, 4096, _AT_ENTRY)[:20], 0},
		{nil, 0},
	} {
		if got := entryPointFromAuxv(tc.auxv); got != tc.entry {
			t.Errorf("entryPointFromAuxv(%x) = %#x, expected %#x", tc.auxv, got, tc.entry)
		}
	}
}
