package vaultdemo

import (
	"testing"
)

func TestMask(t *testing.T) {
	for _, c := range []struct {
		value string
		want  string
	}{
		{value: "", want: "****"},
		{value: "p", want: "****"},
		{value: "hunter2", want: "h****"},
	} {
		if got := Mask(c.value); got != c.want {
			t.Errorf("Mask(%q) = %q, want %q", c.value, got, c.want)
		}
	}
}

func TestRunArgsRequiresConfig(t *testing.T) {
	if err := RunArgs([]string{"vaultdemo", "-config", ""}); err == nil {
		t.Error("expected an error when no config file is given")
	}
}

func TestRunArgsRejectsUnknownFlag(t *testing.T) {
	if err := RunArgs([]string{"vaultdemo", "-no-such-flag"}); err == nil {
		t.Error("expected a flag parse error")
	}
}
