package db

import (
	"errors"
	"testing"
)

func TestRebind(t *testing.T) {
	cases := []struct {
		in, want string
		d        Dialect
	}{
		{"SELECT * FROM t WHERE a=? AND b=?", "SELECT * FROM t WHERE a=$1 AND b=$2", Postgres},
		{"SELECT * FROM t WHERE a=? AND b='?'", "SELECT * FROM t WHERE a=$1 AND b='?'", Postgres},
		{"SELECT * FROM t WHERE a=?", "SELECT * FROM t WHERE a=?", SQLite},
	}
	for _, tc := range cases {
		if got := Rebind(tc.d, tc.in); got != tc.want {
			t.Fatalf("Rebind(%s, %q) = %q, want %q", tc.d, tc.in, got, tc.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Fatalf("nil is not a violation")
	}
	if !IsUniqueViolation(errors.New("UNIQUE constraint failed: leases.task_id")) {
		t.Fatalf("expected sqlite message to match")
	}
	if IsUniqueViolation(errors.New("database is locked")) {
		t.Fatalf("unexpected match")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
