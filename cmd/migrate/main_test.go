package main

import (
	"bytes"
	"database/sql"
	"errors"
	"testing"
)

func TestRun(t *testing.T) {
	var calls []string
	m := migrator{
		up:   func(*sql.DB) error { calls = append(calls, "up"); return nil },
		down: func(*sql.DB) error { calls = append(calls, "down"); return errors.New("no down file") },
		version: func(*sql.DB) (uint, bool, error) {
			calls = append(calls, "version")
			return 1, false, nil
		},
	}

	var out bytes.Buffer
	if err := run(m, nil, "up", &out); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := run(m, nil, "down", &out); err == nil {
		t.Fatal("down should surface the migrator error")
	}
	if err := run(m, nil, "version", &out); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "version=1 dirty=false\n" {
		t.Errorf("version output = %q", got)
	}
	if err := run(m, nil, "sideways", &out); err == nil {
		t.Error("unknown command should fail")
	}
	if len(calls) != 3 {
		t.Errorf("calls = %v", calls)
	}
}
