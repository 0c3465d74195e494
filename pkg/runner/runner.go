package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer is given a bounded chance to flush in-flight work before exit.
type Drainer interface {
	Drain() error
}

// Version and BuildDate are overridden at build time via -ldflags.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func PrintBanner() {
	tpl := "{{ .Title \"STREAMWATCH\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
