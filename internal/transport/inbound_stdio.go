package transport

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// InboundStdio is the frontend transport for the client-side proxy mode: a
// local stdio MCP server that tunnels all traffic to a remote MCP endpoint,
// using the process's own stdin/stdout, framed the same
// line-delimited-JSON way as the child-stdio adapter, but in the opposite
// role — this process is the server being spoken to, not the one spawning a
// child.
type InboundStdio struct {
	out   io.Writer
	inbox chan []byte
	errCh chan error

	mu     sync.Mutex
	closed bool
}

// NewInboundStdio wires r/w as the frontend transport; production code
// passes os.Stdin/os.Stdout, tests pass pipes.
func NewInboundStdio(r io.Reader, w io.Writer) *InboundStdio {
	s := &InboundStdio{
		out:   w,
		inbox: make(chan []byte, 32),
		errCh: make(chan error, 1),
	}
	go s.readLines(r)
	return s
}

func (s *InboundStdio) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		s.inbox <- frame
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.errCh <- err
	close(s.inbox)
}

func (s *InboundStdio) Inbound() <-chan []byte { return s.inbox }
func (s *InboundStdio) Err() <-chan error      { return s.errCh }

func (s *InboundStdio) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	frame = append(frame, '\n')
	if _, err := s.out.Write(frame); err != nil {
		return err
	}
	return nil
}

func (s *InboundStdio) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
