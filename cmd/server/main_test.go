package main

import (
	"os"
	"testing"
)

func TestGetPort_Default(t *testing.T) {
	os.Unsetenv("PORT")
	if got := getPort(); got != "8080" {
		t.Errorf("getPort() = %q, want %q", got, "8080")
	}
}

func TestGetPort_FromEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	if got := getPort(); got != "3000" {
		t.Errorf("getPort() = %q, want %q", got, "3000")
	}
}

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version must not be empty")
	}
}

// percentOf turns the configured chunk-overlap percentage into the
// character count ChunkerService expects; buildApp's wiring depends on it
// staying integer-truncating rather than rounding.
func TestPercentOf(t *testing.T) {
	cases := []struct {
		whole, percent, want int
	}{
		{768, 20, 153},
		{1000, 0, 0},
		{1000, 100, 1000},
		{500, 10, 50},
	}
	for _, c := range cases {
		if got := percentOf(c.whole, c.percent); got != c.want {
			t.Errorf("percentOf(%d, %d) = %d, want %d", c.whole, c.percent, got, c.want)
		}
	}
}
