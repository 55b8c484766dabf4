package inboxcmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"caro"
	"caro/internal/server"
)

func newOperatorServer(t *testing.T) string {
	t.Helper()
	entries := []server.Entry{
		{Seq: 1, State: "done", Size: 10, Attempts: 1, ArrivedAt: time.Now(),
			Result: &caro.DetectionResult{Seq: 1, Labels: []caro.Label{{Class: "person", Confidence: 0.91}}}},
		{Seq: 2, State: "failed", Size: 12, Attempts: 3, ArrivedAt: time.Now(), LastError: "detector invocation failed"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+server.InboxPath, func(w http.ResponseWriter, r *http.Request) {
		out := entries
		if st := r.URL.Query().Get("state"); st != "" {
			out = nil
			for _, e := range entries {
				if e.State == st {
					out = append(out, e)
				}
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET "+server.InboxPath+"/{seq}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("seq") != "1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(entries[0])
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts.URL
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := Cmd(&addr)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestListFailed(t *testing.T) {
	addr := newOperatorServer(t)
	out, err := run(t, addr, "list", "--state", "failed")
	if err != nil {
		t.Fatalf("inbox list error = %v", err)
	}
	if !strings.Contains(out, "detector invocation failed") || strings.Contains(out, "person") {
		t.Fatalf("inbox list output:\n%s", out)
	}
}

func TestShowEntry(t *testing.T) {
	addr := newOperatorServer(t)
	out, err := run(t, addr, "show", "1")
	if err != nil {
		t.Fatalf("inbox show error = %v", err)
	}
	for _, want := range []string{"person", "0.91"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inbox show output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, addr, "show", "9"); err == nil {
		t.Fatal("inbox show 9 error = nil, want not found")
	}
	if _, err := run(t, addr, "show", "abc"); err == nil {
		t.Fatal("inbox show abc error = nil, want parse error")
	}
}
