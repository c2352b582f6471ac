package test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	exec "golang.org/x/sys/execabs"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

// Fixtures is a map of Fixture.Name to Fixture.
var Fixtures map[string]Fixture = make(map[string]Fixture)

// FindFixturesDir walks up from the current directory until it finds the
// _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFlags modify how a fixture is built.
type BuildFlags uint32

const (
	// BuildModePIE builds a position independent executable.
	BuildModePIE BuildFlags = 1 << iota
)

// BuildFixture compiles _fixtures/<name>.go with optimizations and inlining
// disabled, so that every function keeps its frame pointer and shows up in
// the DWARF info. Fixtures are built once per test binary.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	return BuildFixtureWithFlags(t, name, 0)
}

// BuildFixtureWithFlags is like BuildFixture with extra build options.
func BuildFixtureWithFlags(t testing.TB, name string, flags BuildFlags) Fixture {
	t.Helper()
	fixtureKey := fmt.Sprintf("%s/%d", name, flags)
	if f, ok := Fixtures[fixtureKey]; ok {
		return f
	}

	fixturesDir := FindFixturesDir()

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(fixturesDir, name+".go")
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	buildFlags := []string{"build", "-gcflags=all=-N -l"}
	if flags&BuildModePIE != 0 {
		buildFlags = append(buildFlags, "-buildmode=pie")
	}
	buildFlags = append(buildFlags, "-o", tmpfile, name+".go")

	cmd := exec.Command("go", buildFlags...)
	cmd.Dir = fixturesDir

	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Error compiling %s: %s\n%s", path, err, out)
	}

	source, _ := filepath.Abs(path)
	source = filepath.ToSlash(source)

	Fixtures[fixtureKey] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[fixtureKey]
}

// ProcessGone returns true if pid does not run anymore: either it does not
// exist or it is a zombie left for its parent to reap.
func ProcessGone(pid int) bool {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// The command name can contain spaces and parentheses, the state
	// follows the last closing parenthesis.
	i := strings.LastIndexByte(string(stat), ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z' || stat[i+2] == 'X'
}

// WaitProcessGone polls pid until ProcessGone is true or timeout elapses.
func WaitProcessGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ProcessGone(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// RunTestsWithFixtures will pre-compile test fixtures before running test
// methods. Test binaries are deleted before exiting.
//
// Asynchronous preemption is turned off for every fixture: the runtime
// delivers it with SIGURG and each delivery would show up as a stop.
func RunTestsWithFixtures(m *testing.M) int {
	os.Setenv("GODEBUG", "asyncpreemptoff=1")
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}
