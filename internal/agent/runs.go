package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// cappedBuffer captures command output up to a byte limit. Output past the
// limit is dropped and the buffer marked truncated.
type cappedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.data); room > 0 {
		if len(p) > room {
			b.data = append(b.data, p[:room]...)
			b.truncated = true
		} else {
			b.data = append(b.data, p...)
		}
	} else {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) contents() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data), b.truncated
}

// command tracks one dispatched script from acceptance to terminal state.
// After finish() the snapshot never changes again, which is what makes
// status polling idempotent.
type command struct {
	id      string
	started time.Time
	buf     *cappedBuffer
	done    chan struct{}

	mu       sync.Mutex
	state    string
	exitCode int
	timedOut bool
	finished time.Time
}

func (c *command) finish(exitCode int, timedOut bool) {
	c.mu.Lock()
	c.state = CommandStateExited
	c.exitCode = exitCode
	c.timedOut = timedOut
	c.finished = time.Now()
	c.mu.Unlock()
	close(c.done)
}

func (c *command) snapshot() CommandStatus {
	output, truncated := c.buf.contents()
	c.mu.Lock()
	defer c.mu.Unlock()
	return CommandStatus{
		ID:        c.id,
		State:     c.state,
		ExitCode:  c.exitCode,
		Output:    output,
		Truncated: truncated,
		TimedOut:  c.timedOut,
		Started:   c.started,
		Finished:  c.finished,
	}
}

// wait blocks until the command exits or d elapses.
func (c *command) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-c.done:
	case <-time.After(d):
	}
}

// terminalRetention is how long a finished command stays pollable. It must
// comfortably exceed any client poll window so repeated polls of a terminal
// handle keep returning the frozen status.
const terminalRetention = 30 * time.Minute

type table struct {
	mu       sync.RWMutex
	commands map[string]*command
}

func newTable() *table {
	return &table{commands: map[string]*command{}}
}

func (t *table) create(maxOutput int) *command {
	c := &command{
		id:      uuid.NewString(),
		started: time.Now(),
		buf:     &cappedBuffer{max: maxOutput},
		done:    make(chan struct{}),
		state:   CommandStateRunning,
	}
	t.mu.Lock()
	t.prune(time.Now())
	t.commands[c.id] = c
	t.mu.Unlock()
	return c
}

// prune drops terminal commands past the retention window. Called with t.mu
// held. Running commands are never evicted.
func (t *table) prune(now time.Time) {
	for id, c := range t.commands {
		c.mu.Lock()
		expired := c.state == CommandStateExited && now.Sub(c.finished) > terminalRetention
		c.mu.Unlock()
		if expired {
			delete(t.commands, id)
		}
	}
}

func (t *table) get(id string) (*command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.commands[id]
	return c, ok
}
