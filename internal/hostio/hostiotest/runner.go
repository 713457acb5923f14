// Package hostiotest provides a scripted hostio.Runner for tests.
package hostiotest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/exaviz/poewatch/internal/hostio"
)

// Response is a canned result for one command line.
type Response struct {
	Result hostio.Result
	Err    error
}

// Runner matches commands by prefix of their joined argument list and
// records every invocation. Unmatched commands exit with status 127.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []hostio.Command
}

// NewRunner creates an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{responses: make(map[string]Response)}
}

// On registers stdout for commands starting with prefix.
func (r *Runner) On(prefix, stdout string) *Runner {
	return r.OnResult(prefix, hostio.Result{Stdout: []byte(stdout)})
}

// OnResult registers a full result for commands starting with prefix.
func (r *Runner) OnResult(prefix string, res hostio.Result) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = Response{Result: res}
	return r
}

// OnError registers a start failure for commands starting with prefix.
func (r *Runner) OnError(prefix string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = Response{Err: err}
	return r
}

// Run implements hostio.Runner. The longest registered prefix wins.
func (r *Runner) Run(ctx context.Context, cmd hostio.Command) (hostio.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)

	if err := ctx.Err(); err != nil {
		return hostio.Result{}, err
	}

	line := cmd.String()
	best := ""
	for prefix := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return hostio.Result{ExitCode: 127, Stderr: []byte(fmt.Sprintf("%s: not scripted", line))}, nil
	}
	resp := r.responses[best]
	return resp.Result, resp.Err
}

// Calls returns the command lines run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns the raw commands run so far.
func (r *Runner) Commands() []hostio.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hostio.Command(nil), r.calls...)
}

// CountPrefix returns how many recorded commands start with prefix.
func (r *Runner) CountPrefix(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
