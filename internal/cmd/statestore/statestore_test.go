package statestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	server "github.com/louisbranch/formstate/internal/services/statestore/app"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	statesqlite "github.com/louisbranch/formstate/internal/services/statestore/storage/sqlite"
)

const cliSecret = "cli-secret"

func seedDB(t *testing.T, records ...storage.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := statesqlite.Open(path)
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	defer store.Close()
	for _, r := range records {
		if err := store.Store(context.Background(), r); err != nil {
			t.Fatalf("seed %s: %v", r.Key, err)
		}
	}
	return path
}

func sealedRecord(t *testing.T, key, plain, session string) storage.Record {
	t.Helper()
	c, err := codec.New(cliSecret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	sealed, err := c.Encode(codec.Plain(plain))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return storage.Record{Key: key, Value: sealed, Origin: codec.FormatPlain, SessionID: session, Initial: true}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	base := []string{"--env-file=" + filepath.Join(t.TempDir(), "missing.env"), "--log-level=error"}
	err := Execute(context.Background(), append(base, args...), &stdout, &stderr)
	return stdout.String(), err
}

func TestGetPrintsDecodedValue(t *testing.T) {
	db := seedDB(t, sealedRecord(t, "k1", "<state/>", "S"))

	out, err := run(t, "get", "k1", "--db", db, "--secret", cliSecret)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != "<state/>" {
		t.Fatalf("output = %q, want %q", out, "<state/>")
	}
}

func TestGetRequiresSecretAndKnownKey(t *testing.T) {
	db := seedDB(t)

	if _, err := run(t, "get", "k1", "--db", db); err == nil || !strings.Contains(err.Error(), "FORMSTATE_SECRET") {
		t.Fatalf("err = %v, want missing secret error", err)
	}
	if _, err := run(t, "get", "absent", "--db", db, "--secret", cliSecret); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestInspectPrintsRecordTable(t *testing.T) {
	db := seedDB(t, sealedRecord(t, "k1", "payload", "sess-9"))

	out, err := run(t, "inspect", "k1", "--db", db)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"k1", "aesgcm.v1", "plain", "sess-9", "true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExpireCommands(t *testing.T) {
	db := seedDB(t,
		sealedRecord(t, "a1", "x", "A"),
		sealedRecord(t, "a2", "x", "A"),
		sealedRecord(t, "b1", "x", "B"),
		storage.Record{Key: "n1", Value: codec.Plain("x")},
	)

	out, err := run(t, "expire-session", "A", "--db", db, "--secret", cliSecret)
	if err != nil {
		t.Fatalf("expire-session: %v", err)
	}
	if !strings.Contains(out, "expired 2 entries for session A") {
		t.Fatalf("output = %q", out)
	}

	out, err = run(t, "expire-sessions", "--db", db, "--secret", cliSecret)
	if err != nil {
		t.Fatalf("expire-sessions: %v", err)
	}
	if !strings.Contains(out, "expired 1 entries with session information") {
		t.Fatalf("output = %q", out)
	}

	if _, err := run(t, "purge", "--db", db, "--secret", cliSecret); err == nil {
		t.Fatal("expected purge without --yes to fail")
	}
	out, err = run(t, "purge", "--yes", "--db", db, "--secret", cliSecret)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "expired 1 entries") {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigFileSuppliesSettings(t *testing.T) {
	db := seedDB(t, storage.Record{Key: "k", Value: codec.Plain("from-file")})
	file := filepath.Join(t.TempDir(), "statestore.yaml")
	content := "FORMSTATE_DB_PATH: " + db + "\nFORMSTATE_SECRET: " + cliSecret + "\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := run(t, "get", "k", "--config", file)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != "from-file" {
		t.Fatalf("output = %q, want from-file", out)
	}
}

func TestRejectsUnknownBackend(t *testing.T) {
	if _, err := run(t, "inspect", "k", "--backend", "exist"); err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("err = %v, want unknown backend", err)
	}
}

func TestHealthAgainstRunningServer(t *testing.T) {
	srv, err := server.New(server.Config{
		HTTPAddr: "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
		DBPath:   filepath.Join(t.TempDir(), "serve.db"),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	out, err := run(t, "health", "--addr", srv.GRPCAddr(), "--timeout", "5s")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "is serving") {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Backend: "rest", StoreSize: 1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.StoreSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected non-positive store size to fail")
	}
}
