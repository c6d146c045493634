package main

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chenjianrui-111/trend-agent/pkg/server"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"scrape", "worker", "run", "health", "items"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q: cmd=%v err=%v", name, cmd, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatal("missing --config flag")
	}
}

func TestParseTimeFlag(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    *time.Time
		wantErr string
	}{
		{"empty", "", nil, ""},
		{"rfc3339", "2026-05-02T12:00:00Z", ptrTime(time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)), ""},
		{"invalid", "yesterday", nil, "--start must be RFC3339"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimeFlag("start", tt.value)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTimeFlag: %v", err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && !got.Equal(*tt.want)) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestServeUntilDone(t *testing.T) {
	t.Run("cancelled context shuts down cleanly", func(t *testing.T) {
		port := freePort(t)
		srv := server.New(nil, nil, prometheus.NewRegistry(), port, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := serveUntilDone(ctx, srv); err != nil {
			t.Fatalf("serveUntilDone: %v", err)
		}
	})

	t.Run("listen failure is returned", func(t *testing.T) {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()
		srv := server.New(nil, nil, prometheus.NewRegistry(), ln.Addr().(*net.TCPAddr).Port, zerolog.Nop())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := serveUntilDone(ctx, srv); err == nil {
			t.Fatal("expected error for a port already in use")
		}
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
