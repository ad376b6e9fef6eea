package main

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// waitSpinner shows activity while no reply text has arrived yet.
type waitSpinner struct {
	s       *spinner.Spinner
	running bool
}

func newWaitSpinner(msg string) *waitSpinner {
	s := spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = "  " + msg
	s.Color("cyan")
	return &waitSpinner{s: s}
}

func (w *waitSpinner) Start() {
	if w.running {
		return
	}
	w.s.Start()
	w.running = true
}

func (w *waitSpinner) Stop() {
	if !w.running {
		return
	}
	w.s.Stop()
	w.running = false
}

// Fail stops the spinner and prints a red cross.
func (w *waitSpinner) Fail(msg string) {
	w.Stop()
	color.New(color.FgRed).Fprintf(os.Stderr, "  ✗ %s\n", msg)
}
