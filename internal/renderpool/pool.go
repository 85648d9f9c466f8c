// Package renderpool maintains a fixed pool of external renderer worker
// processes for single-tile renders. Each worker speaks line-delimited JSON
// over stdin/stdout: one request object in, one response object out, with
// the rendered tile placed at the requested output path.
package renderpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Request is a single-tile render order.
type Request struct {
	ProjectPath      string     `json:"project_path"`
	OutputFile       string     `json:"output_file"`
	Z                int        `json:"z"`
	X                int        `json:"x"`
	Y                int        `json:"y"`
	BBox             [4]float64 `json:"bbox"`
	TileCRS          string     `json:"tile_crs"`
	Layer            string     `json:"layer,omitempty"`
	Theme            string     `json:"theme,omitempty"`
	TileMatrixPreset string     `json:"tile_matrix_preset,omitempty"`
	SessionID        string     `json:"_sid,omitempty"`
}

// Response is the worker's reply.
type Response struct {
	Status  string `json:"status"` // ok | error
	Message string `json:"message,omitempty"`
}

// ErrAborted is returned for tasks cancelled before a worker picked them up.
var ErrAborted = errors.New("aborted")

// ErrPoolClosed is returned after Close.
var ErrPoolClosed = errors.New("render pool closed")

// Config sizes and parameterizes the pool.
type Config struct {
	Size    int
	Command []string // argv of the renderer worker process
	Timeout time.Duration
	Logger  *slog.Logger
}

type task struct {
	req       Request
	done      chan taskResult
	cancelled atomic.Bool
}

type taskResult struct {
	resp Response
	err  error
}

// Pool dispatches render requests across persistent worker processes.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	tasks  chan *task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	procs   map[int]*exec.Cmd
	queued  atomic.Int32
	active  atomic.Int32
	served  atomic.Int64
	failed  atomic.Int64
	closed  atomic.Bool
	started bool
}

// New creates a pool. Start must be called before Submit.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		logger: logger,
		tasks:  make(chan *task, 256),
		ctx:    ctx,
		cancel: cancel,
		procs:  make(map[int]*exec.Cmd),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Close shuts the pool down and kills worker processes.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.killAll()
	p.wg.Wait()
}

// Submit queues a request and waits for its result or context cancellation.
func (p *Pool) Submit(ctx context.Context, req Request) (Response, error) {
	if p.closed.Load() {
		return Response{}, ErrPoolClosed
	}
	t := &task{req: req, done: make(chan taskResult, 1)}

	p.queued.Add(1)
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		p.queued.Add(-1)
		return Response{}, ctx.Err()
	case <-p.ctx.Done():
		p.queued.Add(-1)
		return Response{}, ErrPoolClosed
	}

	select {
	case res := <-t.done:
		return res.resp, res.err
	case <-ctx.Done():
		// Too late to unqueue reliably; mark so an idle worker skips it.
		t.cancelled.Store(true)
		return Response{}, ctx.Err()
	}
}

// CancelQueued fails every queued-but-not-started task matching the
// predicate. Running tasks are unaffected. Returns the number cancelled.
func (p *Pool) CancelQueued(pred func(Request) bool) int {
	cancelled := 0
	var keep []*task
	for {
		select {
		case t := <-p.tasks:
			if pred == nil || pred(t.req) {
				t.cancelled.Store(true)
				t.done <- taskResult{err: ErrAborted}
				p.queued.Add(-1)
				cancelled++
			} else {
				keep = append(keep, t)
			}
		default:
			for _, t := range keep {
				select {
				case p.tasks <- t:
				default:
					// Queue refilled while draining; fail rather than block.
					t.done <- taskResult{err: ErrAborted}
					p.queued.Add(-1)
					cancelled++
				}
			}
			return cancelled
		}
	}
}

// AbortAll cancels all queued tasks and restarts every worker process so
// in-flight renders are torn down.
func (p *Pool) AbortAll() int {
	n := p.CancelQueued(nil)
	p.killAll()
	return n
}

// Stats reports pool occupancy for the status endpoint.
func (p *Pool) Stats() (queued, active int, served, failed int64) {
	return int(p.queued.Load()), int(p.active.Load()), p.served.Load(), p.failed.Load()
}

func (p *Pool) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cmd := range p.procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// worker owns one renderer process, restarting it whenever the protocol
// breaks or the child dies.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	var (
		cmd    *exec.Cmd
		stdin  io.WriteCloser
		stdout *bufio.Scanner
	)
	stop := func() {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		cmd = nil
		p.mu.Lock()
		delete(p.procs, id)
		p.mu.Unlock()
	}
	defer stop()

	ensure := func() error {
		if cmd != nil {
			return nil
		}
		if len(p.cfg.Command) == 0 {
			return errors.New("render pool: no worker command configured")
		}
		c := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
		in, err := c.StdinPipe()
		if err != nil {
			return err
		}
		out, err := c.StdoutPipe()
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			return err
		}
		cmd = c
		stdin = in
		stdout = bufio.NewScanner(out)
		stdout.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		p.mu.Lock()
		p.procs[id] = c
		p.mu.Unlock()
		p.logger.Debug("render worker started", "worker", id, "pid", c.Process.Pid)
		return nil
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			p.queued.Add(-1)
			if t.cancelled.Load() {
				t.done <- taskResult{err: ErrAborted}
				continue
			}
			p.active.Add(1)
			resp, err := p.runTask(t, ensure, &stdin, &stdout, stop)
			p.active.Add(-1)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.served.Add(1)
			}
			t.done <- taskResult{resp: resp, err: err}
		}
	}
}

func (p *Pool) runTask(t *task, ensure func() error, stdin *io.WriteCloser, stdout **bufio.Scanner, stop func()) (Response, error) {
	if err := ensure(); err != nil {
		return Response{}, fmt.Errorf("start render worker: %w", err)
	}

	line, err := json.Marshal(t.req)
	if err != nil {
		return Response{}, fmt.Errorf("encode render request: %w", err)
	}
	line = append(line, '\n')
	if _, err := (*stdin).Write(line); err != nil {
		stop()
		return Response{}, fmt.Errorf("render worker write: %w", err)
	}

	type readResult struct {
		resp Response
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		sc := *stdout
		if !sc.Scan() {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- readResult{err: fmt.Errorf("render worker read: %w", err)}
			return
		}
		var resp Response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			ch <- readResult{err: fmt.Errorf("render worker response: %w", err)}
			return
		}
		ch <- readResult{resp: resp}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			stop()
			return Response{}, r.err
		}
		if r.resp.Status != "ok" {
			return r.resp, fmt.Errorf("render failed: %s", r.resp.Message)
		}
		return r.resp, nil
	case <-time.After(p.cfg.Timeout):
		stop()
		return Response{}, fmt.Errorf("render worker timeout after %s", p.cfg.Timeout)
	case <-p.ctx.Done():
		stop()
		return Response{}, ErrPoolClosed
	}
}
