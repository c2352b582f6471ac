package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigDecodes(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := readConfig(&buf)
	if err != nil {
		t.Fatalf("default configuration does not decode: %v", err)
	}
	if c.DisableASLR {
		t.Errorf("disable-aslr should be off by default")
	}
	if len(c.Aliases) != 0 || len(c.SubstitutePath) != 0 {
		t.Errorf("default configuration should not define aliases or rules: %#v", c)
	}
}

func TestReadConfig(t *testing.T) {
	const in = `
aliases:
  backtrace: ["where", "w"]
substitute-path:
  - {from: /build, to: /home/me/src}
disable-aslr: true
frame-index-color: 32
`
	c, err := readConfig(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Aliases["backtrace"]; len(got) != 2 || got[0] != "where" || got[1] != "w" {
		t.Errorf("wrong aliases: %v", got)
	}
	if len(c.SubstitutePath) != 1 || c.SubstitutePath[0].From != "/build" || c.SubstitutePath[0].To != "/home/me/src" {
		t.Errorf("wrong substitute-path rules: %#v", c.SubstitutePath)
	}
	if !c.DisableASLR {
		t.Errorf("disable-aslr not decoded")
	}
	if c.FrameIndexColor != 32 {
		t.Errorf("expected frame-index-color 32, got %d", c.FrameIndexColor)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", home)
	defer os.Setenv("HOME", oldHome)

	c := LoadConfig()
	if c == nil {
		t.Fatal("nil configuration")
	}
	if _, err := os.Stat(filepath.Join(home, configDir, configFile)); err != nil {
		t.Fatalf("default configuration file not created: %v", err)
	}

	p, err := HistoryFilePath()
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(home, configDir, historyFile) {
		t.Fatalf("unexpected history path %q", p)
	}
}
