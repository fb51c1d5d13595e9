// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/registry"
)

// commandBackend launches a local process and speaks newline-delimited
// JSON-RPC over its stdin/stdout.
type commandBackend struct {
	def  registry.ServerDefinition
	opts BackendOptions
}

func (b *commandBackend) Kind() registry.Kind { return registry.KindCommand }

// Dial spawns the process. The process is not bound to ctx; it lives until
// the returned Conn is closed or the process exits on its own.
func (b *commandBackend) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(b.def.Command, b.def.Args...)
	cmd.Env = append(os.Environ(), b.def.EnvList()...)

	// Pipes are created explicitly so cmd.Wait never closes the read ends
	// out from under the transport.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("spawn %s: %w", b.def.Command, err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	logger := log.WithServer(b.opts.Logger, b.def.Name)
	p := &process{
		cmd:         cmd,
		exited:      make(chan struct{}),
		stopTimeout: b.opts.StopTimeout,
	}
	go p.wait(stdoutR, stderrR)
	go drainStderr(stderrR, logger)

	logger.Debug("spawned server process",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", b.def.Command),
		slog.Any("env", log.RedactEnv(b.def.Env)),
	)

	t := transport.NewIO(stdoutR, stdinW, io.NopCloser(strings.NewReader("")))
	return &transportConn{
		t:       t,
		pid:     cmd.Process.Pid,
		done:    p.exited,
		errFn:   p.exitErr,
		onClose: p.terminate,
	}, nil
}

// process tracks a spawned child until it is reaped.
type process struct {
	cmd         *exec.Cmd
	exited      chan struct{}
	stopTimeout time.Duration

	mu  sync.Mutex
	err error
}

func (p *process) wait(readers ...*os.File) {
	err := p.cmd.Wait()
	if err == nil {
		err = errors.New("process exited")
	} else {
		err = fmt.Errorf("process exited: %w", err)
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.exited)
	closeAll(readers...)
}

func (p *process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// terminate asks the process to exit and kills it after stopTimeout.
// Closing the transport has already closed stdin, which well-behaved
// servers treat as a shutdown request.
func (p *process) terminate() error {
	select {
	case <-p.exited:
		return nil
	case <-time.After(100 * time.Millisecond):
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
		return nil
	case <-time.After(p.stopTimeout):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.exited
	return nil
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("server stderr", slog.String("line", line))
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
