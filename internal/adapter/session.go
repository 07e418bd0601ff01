package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"sync"
	"syscall"

	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/wire"
)

const (
	defaultStderrLimit = 16 * 1024
	readChunkSize      = 32 * 1024
	eventBuffer        = 128
)

// Session is one running CLI subprocess.
type Session struct {
	id      string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	outputs []io.Closer
	encoder *wire.Encoder
	decoder *wire.Decoder
	events  chan wire.OutputEvent

	// writeMu serializes stdin so frames never interleave.
	writeMu     sync.Mutex
	inputClosed bool

	mu        sync.Mutex
	exited    bool
	killed    bool
	stderrBuf *tailBuffer

	readers sync.WaitGroup
	done    chan struct{}
}

type sessionParams struct {
	id          string
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	outputs     []io.Closer
	encoder     *wire.Encoder
	decoder     *wire.Decoder
	stderrLimit int
}

func newSession(p sessionParams) *Session {
	return &Session{
		id:        p.id,
		cmd:       p.cmd,
		cancel:    p.cancel,
		stdin:     p.stdin,
		stdout:    p.stdout,
		stderr:    p.stderr,
		outputs:   p.outputs,
		encoder:   p.encoder,
		decoder:   p.decoder,
		events:    make(chan wire.OutputEvent, eventBuffer),
		stderrBuf: newTailBuffer(p.stderrLimit),
		done:      make(chan struct{}),
	}
}

func (s *Session) start() {
	s.readers.Add(2)
	go s.readStdout()
	go s.readStderr()
	go s.wait()
}

// SessionID returns the session the subprocess serves.
func (s *Session) SessionID() string { return s.id }

// PID returns the subprocess pid.
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Events yields decoded output followed by one ExitEvent, then closes.
func (s *Session) Events() <-chan wire.OutputEvent { return s.events }

// Done is closed after the ExitEvent has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Exited reports whether the subprocess has exited.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Emit writes one frame to the subprocess, or closes its input for wire.Stop.
func (s *Session) Emit(evt wire.InputEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Exited() {
		return ErrSessionExited
	}
	if s.inputClosed {
		return ErrInputClosed
	}

	frame, closeInput, err := s.encoder.Encode(evt)
	if err != nil {
		return err
	}
	if closeInput {
		s.inputClosed = true
		if err := s.stdin.Close(); err != nil {
			return fmt.Errorf("adapter: close input: %w", err)
		}
		return nil
	}

	if _, err := s.stdin.Write(frame); err != nil {
		if s.Exited() || errors.Is(err, syscall.EPIPE) || errors.Is(err, fs.ErrClosed) {
			return ErrSessionExited
		}
		return fmt.Errorf("adapter: write frame: %w", err)
	}
	return nil
}

// Kill terminates the subprocess. Calling it again, or after exit, is a no-op.
func (s *Session) Kill() error {
	s.mu.Lock()
	if s.killed || s.exited {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.mu.Unlock()

	log.Debug(log.CatAdapter, "Killing process", "session", s.id, "pid", s.PID())
	s.cancel()
	return nil
}

func (s *Session) readStdout() {
	defer s.readers.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			for _, evt := range s.decoder.Feed(buf[:n]) {
				s.events <- evt
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				log.Debug(log.CatAdapter, "stdout read error", "session", s.id, "error", err)
			}
			break
		}
	}
	for _, evt := range s.decoder.Flush() {
		s.events <- evt
	}
}

func (s *Session) readStderr() {
	defer s.readers.Done()

	buf := make([]byte, 4096)
	for {
		n, err := s.stderr.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.stderrBuf.Write(buf[:n])
			s.mu.Unlock()
			log.Debug(log.CatAdapter, "STDERR", "session", s.id, "bytes", n)
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process, then closes the output pipes and drains both
// readers so that no output can follow the exit event. Descendants still
// holding the pipes delay the exit by at most the command's WaitDelay.
func (s *Session) wait() {
	waitErr := s.cmd.Wait()
	for _, c := range s.outputs {
		_ = c.Close()
	}
	s.readers.Wait()

	exit := wire.ExitEvent{}
	if st := s.cmd.ProcessState; st != nil {
		if code := st.ExitCode(); code >= 0 {
			exit.Code = &code
		}
	}

	s.mu.Lock()
	s.exited = true
	exit.Stderr = s.stderrBuf.String()
	killed := s.killed
	s.mu.Unlock()
	s.cancel()

	log.Debug(log.CatAdapter, "Process exited",
		"session", s.id,
		"code", codeString(exit.Code),
		"killed", killed,
		"waitErr", waitErr)

	s.events <- exit
	close(s.events)
	close(s.done)
}

func codeString(code *int) string {
	if code == nil {
		return "signal"
	}
	return fmt.Sprintf("%d", *code)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultStderrLimit
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) {
	t.data = append(t.data, p...)
	if over := len(t.data) - t.limit; over > 0 {
		t.data = append(t.data[:0], t.data[over:]...)
	}
}

func (t *tailBuffer) String() string { return string(t.data) }

var _ Process = (*Session)(nil)
