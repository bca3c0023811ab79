package migrations

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestEmbeddedSourceHasPairedScripts(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first version 1, got %d", version)
	}

	up, _, err := src.ReadUp(version)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer up.Close()
	body, err := io.ReadAll(up)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, table := range []string{"participants", "designs", "consumer_balances", "orders", "journal_entries"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("up script missing table %s", table)
		}
	}

	down, _, err := src.ReadDown(version)
	if err != nil {
		t.Fatalf("read down: %v", err)
	}
	down.Close()

	next, err := src.Next(version)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	up2, _, err := src.ReadUp(next)
	if err != nil {
		t.Fatalf("read up %d: %v", next, err)
	}
	defer up2.Close()
	body2, err := io.ReadAll(up2)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, column := range []string{"settling", "settlement_ref"} {
		if !strings.Contains(string(body2), "ADD COLUMN IF NOT EXISTS "+column) {
			t.Fatalf("version %d missing column %s", next, column)
		}
	}
}

func TestUpDownIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres migration test")
	}

	if err := Up(dsn); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := Up(dsn); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	version, dirty, err := Version(dsn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 2 || dirty {
		t.Fatalf("unexpected version %d dirty=%v", version, dirty)
	}
	if err := Down(dsn, 0); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := Up(dsn); err != nil {
		t.Fatalf("re-up: %v", err)
	}
}
