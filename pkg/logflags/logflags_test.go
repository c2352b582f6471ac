package logflags

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func resetFlags() {
	debugger, proc, symbols = false, false, false
	logOut = nil
	loggerFactory = nil
}

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	defer resetFlags()
	logOut = &bufferWriter{}

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(flag bool, fields Fields, out io.Writer) Logger {
		if !flag {
			t.Fatalf("expected flag to be true")
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(true, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeLogger_withFlagFalse(t *testing.T) {
	defer resetFlags()
	actual := makeLogger(false, Fields{"foo": "bar"})
	entry, ok := actual.(*logrusLogger)
	if !ok {
		t.Fatalf("expected a *logrusLogger, got %T", actual)
	}
	if entry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level <%v>; but was <%v>", logrus.ErrorLevel, entry.Entry.Logger.Level)
	}
	if entry.Entry.Data["foo"] != "bar" {
		t.Fatalf("expected field foo=bar, got %v", entry.Entry.Data)
	}
}

func TestMakeLogger_withFlagTrue(t *testing.T) {
	defer resetFlags()
	actual := makeLogger(true, Fields{"layer": "proc"})
	entry := actual.(*logrusLogger)
	if entry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level <%v>; but was <%v>", logrus.DebugLevel, entry.Entry.Logger.Level)
	}
}

func TestSetup(t *testing.T) {
	defer resetFlags()

	if err := Setup(false, "proc", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v, got %v", errLogstrWithoutLog, err)
	}

	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Debugger() || Proc() || Symbols() {
		t.Fatalf("default log output should only enable the debugger layer")
	}

	resetFlags()
	if err := Setup(true, "proc,symbols", ""); err != nil {
		t.Fatal(err)
	}
	if Debugger() || !Proc() || !Symbols() {
		t.Fatalf("wrong layers enabled: debugger=%v proc=%v symbols=%v", Debugger(), Proc(), Symbols())
	}
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.DebugLevel,
		Message: "resumed",
		Data:    logrus.Fields{"layer": "proc", "pid": 42},
	}
	out, err := DefaultFormatter().Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	const want = "2020-01-02T03:04:05Z debug proc pid=42 resumed\n"
	if string(out) != want {
		t.Fatalf("expected %q, got %q", want, string(out))
	}
}

func TestLoggerWritesToLogOut(t *testing.T) {
	defer resetFlags()
	buf := &bufferWriter{}
	logOut = buf
	proc = true
	ProcLogger().WithField("pid", 7).Debugf("wait status %d", 5)
	if !strings.Contains(buf.String(), "proc pid=7 wait status 5") {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
