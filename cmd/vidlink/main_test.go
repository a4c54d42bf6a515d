package main

import (
	"errors"
	"testing"

	"github.com/zsiec/vidlink/internal/config"
)

func TestCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"send", "receive", "serve"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("transport") == nil {
		t.Error("stream flags are not persistent")
	}
}

func TestInvalidFlagsFailBeforeStreaming(t *testing.T) {
	tests := [][]string{
		{"send", "--bitrate", "0"},
		{"receive", "--transport", "carrier-pigeon"},
		{"serve", "--max-restarts=-1"},
	}
	for _, args := range tests {
		root := newRootCmd()
		root.SetArgs(args)
		if err := root.Execute(); !errors.Is(err, config.ErrInvalid) {
			t.Errorf("%v: err = %v, want ErrInvalid", args, err)
		}
	}
}
