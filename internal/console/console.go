// Package console watches the operator keyboard for the abort key while a
// tool waits for a card.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const (
	keyEscape = 0x1B
	keyCtrlC  = 0x03
)

// Watcher closes its abort channel when ESC or Ctrl-C is read.
type Watcher struct {
	abort   chan struct{}
	done    chan struct{}
	once    sync.Once
	restore func()
}

// Start puts stdin into raw mode when it is a terminal and watches it.
// The reading goroutine stays blocked on stdin until the next key press
// or process exit; Stop only restores the terminal.
func Start() (*Watcher, error) {
	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("set raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, oldState) }
	}
	w := watch(os.Stdin)
	w.restore = restore
	return w, nil
}

// Watch watches r without touching terminal state.
func Watch(r io.Reader) *Watcher {
	return watch(r)
}

func watch(r io.Reader) *Watcher {
	w := &Watcher{abort: make(chan struct{}), done: make(chan struct{})}
	go w.run(r)
	return w
}

// Abort is closed once the operator aborts.
func (w *Watcher) Abort() <-chan struct{} {
	return w.abort
}

// Stop restores the terminal. It is safe to call more than once.
func (w *Watcher) Stop() {
	if w.restore != nil {
		w.restore()
		w.restore = nil
	}
}

func (w *Watcher) run(r io.Reader) {
	defer close(w.done)
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		if n > 0 && isAbort(buf[:n]) {
			w.once.Do(func() { close(w.abort) })
			return
		}
		if err != nil {
			return
		}
	}
}

// isAbort reports a lone ESC or Ctrl-C. Escape sequences such as arrow
// keys (ESC [ A) arrive in one read and are ignored.
func isAbort(b []byte) bool {
	for i, c := range b {
		switch c {
		case keyCtrlC:
			return true
		case keyEscape:
			if i+1 < len(b) && (b[i+1] == '[' || b[i+1] == 'O') {
				continue
			}
			return true
		}
	}
	return false
}
