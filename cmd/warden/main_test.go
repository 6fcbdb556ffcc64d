package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout bytes.Buffer
		if err := run(context.Background(), &stdout, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: warden") {
			t.Errorf("run(%v) output = %q", args, stdout.String())
		}
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "Warden ") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-verbose"}, "unknown flag: -verbose"},
		{"ask without text", []string{"ask"}, "usage: warden ask"},
		{"ask with only session", []string{"ask", "-session", "cli:x"}, "usage: warden ask"},
		{"health bad flag", []string{"health", "-yaml"}, "usage: warden health"},
		{"missing config", []string{"-config", "/nonexistent/warden.yaml", "ask", "hi"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

// fakeOllama scripts /api/chat replies and records request bodies.
type fakeOllama struct {
	mu       sync.Mutex
	replies  []string
	requests []map[string]any
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, body)
	reply := `{"model":"test-model","message":{"role":"assistant","content":"ok"},"done":true}`
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, reply)
}

func writeConfig(t *testing.T, dir, ollamaURL, extra string) string {
	t.Helper()
	cfg := fmt.Sprintf(`workspace: %s
data_dir: %s
log_level: warn
models:
  ollama_url: %s
  default: test-model
mqtt:
  password: mqtt-pass-7890
%s`, filepath.Join(dir, "workspace"), filepath.Join(dir, "data"), ollamaURL, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Ask(t *testing.T) {
	for _, backend := range []string{"jsonl", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			fake := &fakeOllama{replies: []string{
				`{"model":"test-model","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"now_time","arguments":{}}}]},"done":true}`,
				`{"model":"test-model","message":{"role":"assistant","content":"The broker password is mqtt-pass-7890."},"done":true}`,
			}}
			srv := httptest.NewServer(fake)
			defer srv.Close()

			dir := t.TempDir()
			cfgPath := writeConfig(t, dir, srv.URL, "sessions:\n  backend: "+backend+"\n")

			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ask", "-session", "cli:e2e", "what", "is", "the", "password?"})
			if err != nil {
				t.Fatalf("run: %v\nstderr: %s", err, stderr.String())
			}

			got := strings.TrimSpace(stdout.String())
			if got != "The broker password is ***." {
				t.Errorf("answer = %q", got)
			}
			if len(fake.requests) != 2 {
				t.Fatalf("provider saw %d requests, want 2", len(fake.requests))
			}
			msgs := fake.requests[1]["messages"].([]any)
			last := msgs[len(msgs)-1].(map[string]any)
			if last["role"] != "tool" || last["tool_name"] != "now_time" {
				t.Errorf("second request should end with the now_time result, got %v", last)
			}
			if user := msgs[1].(map[string]any); user["content"] != "what is the password?" {
				t.Errorf("user message = %v", user)
			}

			// The follow-up turn on the same session sees the first one.
			fake.replies = []string{`{"model":"test-model","message":{"role":"assistant","content":"again"},"done":true}`}
			stdout.Reset()
			if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ask", "-session=cli:e2e", "again"}); err != nil {
				t.Fatalf("second run: %v", err)
			}
			msgs = fake.requests[2]["messages"].([]any)
			// Tool traffic is not persisted: system, user, answer, user.
			if len(msgs) != 4 {
				t.Errorf("second turn transcript has %d messages, want 4", len(msgs))
			}
			for _, m := range msgs {
				if strings.Contains(m.(map[string]any)["content"].(string), "mqtt-pass-7890") {
					t.Errorf("secret reached the provider from history: %v", m)
				}
			}
		})
	}
}

func TestRun_Health(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "http://127.0.0.1:1", "")

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-config", cfgPath, "health"})
	if !errors.Is(err, errHealthWarn) {
		t.Fatalf("error = %v, want errHealthWarn on an empty workspace", err)
	}
	if !strings.Contains(stdout.String(), "[WARN] memory_file_integrity") {
		t.Errorf("output = %s", stdout.String())
	}

	stdout.Reset()
	err = run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-config=" + cfgPath, "health", "-json"})
	if !errors.Is(err, errHealthWarn) {
		t.Fatalf("error = %v, want errHealthWarn", err)
	}
	var report map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if report["status"] != "WARN" {
		t.Errorf("status = %v", report["status"])
	}
}
