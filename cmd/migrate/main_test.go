package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

type fakeMigrator struct {
	calls []string
	err   error
}

func (f *fakeMigrator) Up() error {
	f.calls = append(f.calls, "up")
	return f.err
}

func (f *fakeMigrator) Migrate(v uint) error {
	f.calls = append(f.calls, "migrate")
	return f.err
}

func (f *fakeMigrator) Steps(n int) error {
	if n < 0 {
		f.calls = append(f.calls, "down")
	} else {
		f.calls = append(f.calls, "steps")
	}
	return f.err
}

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		plan plan
		want string
	}{
		{"latest", plan{Direction: "up"}, "up"},
		{"steps up", plan{Direction: "up", Steps: 2}, "steps"},
		{"version", plan{Direction: "down", Version: 1}, "migrate"},
		{"one down", plan{Direction: "down"}, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeMigrator{}
			if err := apply(f, tt.plan); err != nil {
				t.Fatalf("apply failed: %v", err)
			}
			if len(f.calls) != 1 || f.calls[0] != tt.want {
				t.Errorf("Expected %s, got %v", tt.want, f.calls)
			}
		})
	}
}

func TestApplyKeepsNoChange(t *testing.T) {
	f := &fakeMigrator{err: migrate.ErrNoChange}
	if err := apply(f, plan{Direction: "up"}); !errors.Is(err, migrate.ErrNoChange) {
		t.Errorf("Expected ErrNoChange to stay matchable, got %v", err)
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		plan    plan
		wantErr bool
	}{
		{plan{Direction: "up"}, false},
		{plan{Direction: "down", Steps: 1}, false},
		{plan{Direction: "sideways"}, true},
		{plan{Direction: "up", Steps: -1}, true},
		{plan{Direction: "up", Steps: 1, Version: 2}, true},
	}
	for _, tt := range tests {
		if err := tt.plan.validate(); (err != nil) != tt.wantErr {
			t.Errorf("%+v: expected error=%v, got %v", tt.plan, tt.wantErr, err)
		}
	}
}

func TestRedact(t *testing.T) {
	got := redact("postgres://relay:hunter2@db:5432/relay?sslmode=disable")
	if got != "postgres://relay:xxxxx@db:5432/relay?sslmode=disable" {
		t.Errorf("Unexpected redaction: %s", got)
	}
	if got := redact("postgres://localhost/relay"); got != "postgres://localhost/relay" {
		t.Errorf("URL without password changed: %s", got)
	}
}
