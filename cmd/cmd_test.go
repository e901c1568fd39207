package cmd

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"testing"

	"evssh/pkg/session"
	"evssh/pkg/sshtest"
)

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target string
		user   string
		host   string
		port   int
	}{
		{"example.com", "", "example.com", 0},
		{"root@example.com", "root", "example.com", 0},
		{"root@example.com:2222", "root", "example.com", 2222},
		{"[::1]:22", "", "::1", 22},
		{"ws://example.com/ssh", "", "ws://example.com/ssh", 0},
	}
	for _, tt := range tests {
		user, host, port := splitTarget(tt.target)
		if user != tt.user || host != tt.host || port != tt.port {
			t.Errorf("splitTarget(%q) = %q, %q, %d; expected %q, %q, %d",
				tt.target, user, host, port, tt.user, tt.host, tt.port)
		}
	}
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps([]string{"expect:$ ", "send:uname -a", "expect:Linux"}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(steps) != 3 || steps[0].send || !steps[1].send || steps[1].text != "uname -a" {
		t.Errorf("Unexpected steps %+v", steps)
	}
	if steps[2].pattern != "Linux" {
		t.Errorf("Expected a string pattern, got %T", steps[2].pattern)
	}

	steps, err = parseSteps([]string{"expect:^\\$ $"}, true)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := steps[0].pattern.(*regexp.Regexp); !ok {
		t.Errorf("Expected a regexp pattern, got %T", steps[0].pattern)
	}

	if _, err = parseSteps([]string{"wait:5"}, false); err == nil {
		t.Error("Expected an error for an unknown step")
	}
	if _, err = parseSteps([]string{"expect:("}, true); err == nil {
		t.Error("Expected an error for an invalid regexp")
	}
}

func TestParseForward(t *testing.T) {
	fs, err := parseForward("8080:internal:80")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fs.listen != "127.0.0.1:8080" || fs.target != "internal:80" {
		t.Errorf("Unexpected forward %+v", fs)
	}
	fs, err = parseForward("0.0.0.0:8080:internal:80")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fs.listen != "0.0.0.0:8080" {
		t.Errorf("Unexpected listen address %s", fs.listen)
	}
	if _, err = parseForward("8080"); !errors.Is(err, errForwardSpec) {
		t.Errorf("Expected errForwardSpec, got %v", err)
	}
}

func TestExitStatus(t *testing.T) {
	if s := exitStatus(&session.ExitError{Status: 3}); s != 3 {
		t.Errorf("Expected 3, got %d", s)
	}
	if s := exitStatus(&session.ExitError{Status: -1, Signal: "KILL"}); s != 255 {
		t.Errorf("Expected 255 for a signal, got %d", s)
	}
}

func TestExpectCommand(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Prompt: "$ "})
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EVSSH_HOME", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"expect",
		"--paranoid", "never",
		"--password", "secret",
		"--verbose", "error",
		"--port", strconv.Itoa(srv.Port),
		"test@" + srv.Host,
		"expect:$ ",
		"send:echo hello",
		"expect:\nhello\n",
	})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("expect command failed: %v", err)
	}
	if out.String() != "$ echo hello\nhello\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}
