package isolate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	portBufferFrames = 256
	maxFrameBytes    = 1 << 20
	killGrace        = 2 * time.Second
)

// processTransport runs a plugin as a sandboxed child process and frames
// NDJSON messages over its stdin/stdout pipe pair. The child gets a scrubbed
// environment, its own process group and the plugin directory as cwd.
type processTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	inbox  chan Message
	zl     *zap.Logger
	sendMu sync.Mutex
	once   sync.Once
}

// SpawnProcess creates an isolate over a fresh child process running the
// plugin entry.
func SpawnProcess(spec SpawnSpec, runtimeBin string, zl *zap.Logger) (*Isolate, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	if runtimeBin == "" {
		return nil, fmt.Errorf("isolate runtime binary not configured")
	}
	if _, err := exec.LookPath(runtimeBin); err != nil {
		return nil, fmt.Errorf("isolate runtime %s not found: %w", runtimeBin, err)
	}

	pluginDir := filepath.Dir(spec.EntryPath)
	cmd := exec.Command(runtimeBin, spec.EntryPath)
	cmd.Dir = pluginDir
	// No inherited environment: the port is the only channel to the host.
	cmd.Env = []string{
		"MERISTEM_ISOLATE_ID=" + spec.IsolateID,
		"MERISTEM_PLUGIN_ID=" + spec.Manifest.ID,
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("isolate stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("isolate stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn isolate %s: %w", spec.IsolateID, err)
	}

	t := &processTransport{
		cmd:   cmd,
		stdin: stdin,
		inbox: make(chan Message, portBufferFrames),
		zl:    zl,
	}
	go t.readLoop(stdout)

	return New(spec.IsolateID, spec.Manifest.ID, t, zl), nil
}

func (t *processTransport) readLoop(stdout io.Reader) {
	defer close(t.inbox)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.zl.Warn("isolate emitted malformed frame", zap.Error(err))
			continue
		}
		t.inbox <- msg
	}
}

func (t *processTransport) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("isolate port write: %w", err)
	}
	return nil
}

func (t *processTransport) Receive() <-chan Message { return t.inbox }

// Close tears the process down: stdin close first so a cooperating plugin
// exits on EOF, then SIGKILL to the whole process group after the grace.
func (t *processTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.stdin.Close()

		done := make(chan struct{})
		go func() {
			t.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(killGrace):
			if t.cmd.Process != nil {
				// Negative pid targets the process group.
				syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
			}
			<-done
		}
	})
	return err
}
