package embed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ettio/forest/pkg/math/vector"
)

// LocalEmbedder runs an embedding model as a reusable subprocess.
//
// The subprocess is spawned on first use and kept alive across calls; each
// call is one line-delimited JSON round-trip on stdin/stdout:
//
//	-> {"text":"graph database"}
//	<- {"embedding":[0.1, 0.2, ...]}
//
// A subprocess that exits or misbehaves is discarded and respawned on the
// next call. Failures wrap ErrUnavailable: the note is committed without a
// vector and linked on tags alone.
type LocalEmbedder struct {
	command string
	timeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner
	dims   int
}

// NewLocal creates a subprocess-backed embedder. The command is run through
// the shell so pipelines and arguments work.
func NewLocal(command string, timeout time.Duration) *LocalEmbedder {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &LocalEmbedder{command: command, timeout: timeout}
}

type localRequest struct {
	Text string `json:"text"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed performs one round-trip against the subprocess.
//
// The round-trip itself is serialized; concurrent callers queue. Context
// cancellation abandons the call and kills the subprocess so no partial
// frame poisons the next round-trip.
func (l *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureStartedLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	enc, scanner := l.stdin, l.stdout
	go func() {
		vec, err := roundTrip(enc, scanner, text)
		done <- result{vec, err}
	}()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			l.stopLocked()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, res.err)
		}
		l.dims = len(res.vec)
		return res.vec, nil
	case <-ctx.Done():
		l.stopLocked()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-timer.C:
		l.stopLocked()
		return nil, fmt.Errorf("%w: subprocess timed out after %v", ErrUnavailable, l.timeout)
	}
}

func (l *LocalEmbedder) ensureStartedLocked() error {
	if l.cmd != nil {
		return nil
	}

	cmd := exec.Command("sh", "-c", l.command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", l.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	l.cmd = cmd
	l.stdin = json.NewEncoder(stdin)
	l.stdout = scanner
	return nil
}

func roundTrip(enc *json.Encoder, scanner *bufio.Scanner, text string) ([]float32, error) {
	if err := enc.Encode(localRequest{Text: text}); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("subprocess closed stdout")
	}

	var resp localResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("subprocess error: %s", resp.Error)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}

	vector.NormalizeInPlace(resp.Embedding)
	return resp.Embedding, nil
}

func (l *LocalEmbedder) stopLocked() {
	if l.cmd == nil {
		return
	}
	_ = l.cmd.Process.Kill()
	_ = l.cmd.Wait()
	l.cmd = nil
	l.stdin = nil
	l.stdout = nil
}

// Close kills the subprocess if running.
func (l *LocalEmbedder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	return nil
}

// Dimensions returns the dimension observed from the last successful call.
func (l *LocalEmbedder) Dimensions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dims
}

// Model returns the subprocess command's first word.
func (l *LocalEmbedder) Model() string {
	fields := strings.Fields(l.command)
	if len(fields) == 0 {
		return "local"
	}
	return fields[0]
}
