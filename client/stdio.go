package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// RPCClient is a JSON-RPC client over an established line-delimited
// connection, such as a child's pipes or a socket. It is safe for
// concurrent use; calls are multiplexed over the one connection.
type RPCClient[Req, Resp any] struct {
	conn   *rpcConn
	svc    service.Service[Req, Resp]
	closer io.Closer
	once   sync.Once
}

// NewRPCClient starts a client reading responses from r and writing
// requests to w. Closing the client closes w when it is an io.Closer.
func NewRPCClient[Req, Resp any](r io.Reader, w io.Writer, conv protocol.Converter[Req, Resp], opts ...Option) *RPCClient[Req, Resp] {
	o := buildOptions(opts)
	c := newRPCClient(protocol.NewLineWriter(w), conv, o)
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	go func() {
		err := c.conn.readLoop(protocol.NewLineReader(r))
		c.conn.fail(readFailure(err, "peer"))
	}()
	return c
}

func newRPCClient[Req, Resp any](out messageWriter, conv protocol.Converter[Req, Resp], o *options) *RPCClient[Req, Resp] {
	conn := newRPCConn(out, o)
	call := &jsonrpcCall[Req, Resp]{conn: conn, conv: conv, buffer: o.streamBuffer}
	return &RPCClient[Req, Resp]{
		conn: conn,
		svc:  service.WithTimeout[Req, Resp](call, o.timeout),
	}
}

// Call sends req and waits for its response or the start of its stream.
func (c *RPCClient[Req, Resp]) Call(ctx context.Context, req Req) (*service.Response[Resp], error) {
	return c.svc.Call(ctx, req)
}

// Done is closed once the connection is unusable.
func (c *RPCClient[Req, Resp]) Done() <-chan struct{} {
	return c.conn.done
}

// Err returns why the connection became unusable, or nil while it works.
func (c *RPCClient[Req, Resp]) Err() error {
	select {
	case <-c.conn.done:
		return c.conn.err
	default:
		return nil
	}
}

// Pending returns the number of calls and streams awaiting messages.
func (c *RPCClient[Req, Resp]) Pending() int {
	return c.conn.table.Len()
}

// Close fails every pending call with protocol.ErrTransportClosed and
// closes the write side.
func (c *RPCClient[Req, Resp]) Close() error {
	var err error
	c.once.Do(func() {
		c.conn.fail(fmt.Errorf("%w: client closed", protocol.ErrTransportClosed))
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// StdioClient runs a program as a child process and calls it over its
// standard input and output. The child lives as long as the client; if it
// exits, every pending and later call fails with
// protocol.ErrTransportClosed.
type StdioClient[Req, Resp any] struct {
	*RPCClient[Req, Resp]

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	closed  atomic.Bool
	logger  middleware.Logger
}

// attachPipes connects the child's stdin and stdout. On failure nothing
// stays open on the parent side.
func attachPipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stdin pipe: %v", protocol.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, nil, fmt.Errorf("%w: stdout pipe: %v", protocol.ErrSpawnFailed, err)
	}
	return stdin, stdout, nil
}

// NewStdioClient spawns program with args. The program is looked up in the
// directory set by WithBinPath, or in $PATH. Failing to start it returns
// an error wrapping protocol.ErrSpawnFailed.
func NewStdioClient[Req, Resp any](program string, args []string, conv protocol.Converter[Req, Resp], opts ...Option) (*StdioClient[Req, Resp], error) {
	o := buildOptions(opts)

	path := program
	if o.binPath != "" {
		path = filepath.Join(o.binPath, program)
	}
	cmd := exec.Command(path, args...)
	cmd.Dir = o.dir
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	cmd.Stderr = o.stderr

	stdin, stdout, err := attachPipes(cmd)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrSpawnFailed, path, err)
	}

	c := &StdioClient[Req, Resp]{
		RPCClient: newRPCClient(protocol.NewLineWriter(stdin), conv, o),
		cmd:       cmd,
		exited:    make(chan struct{}),
		logger:    o.logger,
	}
	c.RPCClient.closer = stdin

	go func() {
		defer close(c.exited)
		readErr := c.conn.readLoop(protocol.NewLineReader(stdout))
		cause := readFailure(readErr, program)
		c.conn.fail(cause)
		c.waitErr = cmd.Wait()

		if !c.closed.Load() {
			c.logger.Error("child process exited",
				middleware.F("program", program),
				middleware.F("error", cause.Error()),
				middleware.F("exit", exitStatus(c.waitErr)),
			)
		}
	}()

	return c, nil
}

// Pid returns the child's process id.
func (c *StdioClient[Req, Resp]) Pid() int {
	return c.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (c *StdioClient[Req, Resp]) Exited() <-chan struct{} {
	return c.exited
}

// Close fails pending calls, closes the child's stdin, kills it and waits
// for it to be reaped. It is safe to call more than once.
func (c *StdioClient[Req, Resp]) Close() error {
	c.closed.Store(true)
	err := c.RPCClient.Close()
	select {
	case <-c.exited:
	default:
		_ = c.cmd.Process.Kill()
		<-c.exited
	}
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

func exitStatus(err error) string {
	if err == nil {
		return "0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ProcessState.String()
	}
	return err.Error()
}
