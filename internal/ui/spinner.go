// spinner.go implements the CLI spinner shown while cgmerge indexes the search root.
package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// StartSpinner animates message on w until the returned stop function is
// called, then prints a colored "[done]" or "[fail]". Stopping twice is safe
// and prints once.
func StartSpinner(w io.Writer, message string) func(success bool) {
	frames := []rune{'|', '/', '-', '\\'}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer fmt.Fprintf(w, "\r%s    \r", message)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()
		idx := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s %c", message, frames[idx])
				idx = (idx + 1) % len(frames)
			}
		}
	}()
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			close(done)
			<-exited
			status := color.New(color.FgGreen).Sprint("[done]")
			if !success {
				status = color.New(color.FgRed).Sprint("[fail]")
			}
			fmt.Fprintf(w, "\r%s %s\n", message, status)
		})
	}
}
