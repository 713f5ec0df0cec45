// Package grpccomm runs a process group over gRPC. The coordinator (rank 0)
// hosts the Collective service and keeps the round state in memory; workers
// dial it and make one Arrive call per collective.
package grpccomm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Iron-Ham/parallelmc/internal/comm"
	"github.com/Iron-Ham/parallelmc/internal/errors"
)

const (
	// DefaultDialTimeout bounds how long a worker waits for the coordinator
	// to report SERVING.
	DefaultDialTimeout = 30 * time.Second

	// closeGrace is how long Close lets in-flight replies drain before the
	// server is stopped hard.
	closeGrace = 2 * time.Second
)

// Config describes one rank's connection to the group.
type Config struct {
	// Address is the coordinator's listen address (rank 0) or dial target
	// (workers).
	Address string
	Rank    int
	Size    int

	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// Listener, if set, is used by the coordinator instead of listening on
	// Address.
	Listener net.Listener

	// DialOptions are appended to the default client options.
	DialOptions []grpc.DialOption

	// Logf receives progress messages while a worker waits for the
	// coordinator. May be nil.
	Logf func(string, ...any)
}

// backend carries a collective to wherever the round state lives.
type backend interface {
	arrive(ctx context.Context, kind comm.Kind, seq uint64, v comm.Value) (comm.Value, error)
	abort(ctx context.Context, cause error) error
	close() error
}

// Comm is one rank of a gRPC-connected group.
type Comm struct {
	rank int
	size int
	be   backend

	mu      sync.Mutex
	seq     comm.Sequencer
	closed  bool
	aborted error
}

var _ comm.Communicator = (*Comm)(nil)

// Listen starts the coordinator: it binds the Collective and health services
// and returns rank 0's communicator. Addr reports the bound address.
func Listen(cfg Config) (*Comm, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Rank != comm.CoordinatorRank {
		return nil, errors.NewValidationError("only the coordinator listens").WithField("rank").WithValue(cfg.Rank)
	}

	lis := cfg.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, errors.Wrap(errors.ErrTransport, fmt.Sprintf("listen on %s: %v", cfg.Address, err))
		}
	}

	rv := comm.NewRendezvous(cfg.Size)
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	srv.RegisterService(&collectiveServiceDesc, &rendezvousServer{rv: rv})

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	co := &coordinator{rv: rv, srv: srv, health: hs, lis: lis, serveErr: make(chan error, 1)}
	go func() { co.serveErr <- srv.Serve(lis) }()

	return &Comm{rank: cfg.Rank, size: cfg.Size, be: co, seq: comm.Sequencer{}}, nil
}

// Dial connects a worker rank to the coordinator and waits until its health
// service reports SERVING, so workers may start before the coordinator.
func Dial(ctx context.Context, cfg Config) (*Comm, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Rank == comm.CoordinatorRank {
		return nil, errors.NewValidationError("the coordinator listens instead of dialing").WithField("rank").WithValue(cfg.Rank)
	}
	if cfg.Address == "" {
		return nil, errors.NewValidationError("coordinator address is required").WithField("address")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	opts := append(DefaultClientDialOptions(), cfg.DialOptions...)
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, &DialError{Stage: DialStageConnect, Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := WaitForHealth(waitCtx, conn, ServiceName, cfg.Logf); err != nil {
		_ = conn.Close()
		return nil, &DialError{Stage: DialStageHealth, Err: err}
	}

	return &Comm{
		rank: cfg.Rank,
		size: cfg.Size,
		be:   &worker{conn: conn, rank: cfg.Rank, size: cfg.Size},
		seq:  comm.Sequencer{},
	}, nil
}

// DefaultClientDialOptions returns the dial options every worker uses. The
// otelgrpc handler propagates trace context when a TracerProvider is set.
func DefaultClientDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

func validate(cfg Config) error {
	if cfg.Size < 1 {
		return errors.NewValidationError("group size must be at least 1").WithField("size").WithValue(cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return errors.NewValidationError("rank out of range").WithField("rank").WithValue(cfg.Rank)
	}
	return nil
}

// Rank implements comm.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements comm.Communicator.
func (c *Comm) Size() int { return c.size }

// Addr returns the coordinator's bound address, or nil on a worker.
func (c *Comm) Addr() net.Addr {
	if co, ok := c.be.(*coordinator); ok {
		return co.lis.Addr()
	}
	return nil
}

// Barrier implements comm.Communicator.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.collective(ctx, comm.KindBarrier, comm.Value{})
	return err
}

// ScatterSeeds implements comm.Communicator.
func (c *Comm) ScatterSeeds(ctx context.Context, seeds []int64) (int64, error) {
	var v comm.Value
	if c.rank == comm.CoordinatorRank {
		v.Seeds = seeds
	}
	res, err := c.collective(ctx, comm.KindScatter, v)
	if err != nil {
		return 0, err
	}
	if c.rank == comm.CoordinatorRank {
		return res.Seeds[c.rank], nil
	}
	if len(res.Seeds) != 1 {
		return 0, fmt.Errorf("grpccomm: expected one seed, coordinator sent %d", len(res.Seeds))
	}
	return res.Seeds[0], nil
}

// ReduceInt64 implements comm.Communicator.
func (c *Comm) ReduceInt64(ctx context.Context, op comm.Op, v int64) (int64, error) {
	res, err := c.collective(ctx, comm.KindReduceInt, comm.Value{Op: op, Int: v})
	if err != nil || c.rank != comm.CoordinatorRank {
		return 0, err
	}
	return res.Int, nil
}

// ReduceFloat64 implements comm.Communicator.
func (c *Comm) ReduceFloat64(ctx context.Context, op comm.Op, v float64) (float64, error) {
	res, err := c.collective(ctx, comm.KindReduceFloat, comm.Value{Op: op, Float: v})
	if err != nil || c.rank != comm.CoordinatorRank {
		return 0, err
	}
	return res.Float, nil
}

// Abort implements comm.Communicator.
func (c *Comm) Abort(ctx context.Context, cause error) error {
	err := c.be.abort(ctx, cause)
	c.mu.Lock()
	if c.aborted == nil {
		msg := "aborted"
		if cause != nil {
			msg = cause.Error()
		}
		c.aborted = fmt.Errorf("%w: rank %d: %s", errors.ErrGroupAborted, c.rank, msg)
	}
	c.mu.Unlock()
	return err
}

// Close implements comm.Communicator. On the coordinator it stops serving
// after in-flight replies drain.
func (c *Comm) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.be.close()
}

func (c *Comm) collective(ctx context.Context, kind comm.Kind, v comm.Value) (comm.Value, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return comm.Value{}, fmt.Errorf("rank %d %s: %w", c.rank, kind, errors.ErrGroupClosed)
	}
	if c.aborted != nil {
		err := c.aborted
		c.mu.Unlock()
		return comm.Value{}, err
	}
	seq := c.seq.Next(kind)
	c.mu.Unlock()

	res, err := c.be.arrive(ctx, kind, seq, v)
	if err != nil && errors.Is(err, errors.ErrGroupAborted) {
		c.mu.Lock()
		if c.aborted == nil {
			c.aborted = err
		}
		c.mu.Unlock()
	}
	return res, err
}

// coordinator keeps the round state and serves it to the workers.
type coordinator struct {
	rv       *comm.Rendezvous
	srv      *grpc.Server
	health   *health.Server
	lis      net.Listener
	serveErr chan error
}

func (co *coordinator) arrive(ctx context.Context, kind comm.Kind, seq uint64, v comm.Value) (comm.Value, error) {
	return co.rv.Arrive(ctx, kind, seq, comm.CoordinatorRank, v)
}

func (co *coordinator) abort(_ context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("aborted")
	}
	co.rv.Abort(fmt.Errorf("rank %d: %w", comm.CoordinatorRank, cause))
	return nil
}

func (co *coordinator) close() error {
	co.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		co.srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(closeGrace):
		co.srv.Stop()
	}

	if err := <-co.serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	return nil
}

// worker forwards collectives to the coordinator.
type worker struct {
	conn *grpc.ClientConn
	rank int
	size int
}

func (w *worker) arrive(ctx context.Context, kind comm.Kind, seq uint64, v comm.Value) (comm.Value, error) {
	req := encodeArrival(arrival{kind: kind, seq: seq, rank: w.rank, size: w.size, value: v})
	resp := new(structpb.Struct)
	if err := w.conn.Invoke(ctx, arriveMethod, req, resp); err != nil {
		return comm.Value{}, fromStatus(err)
	}
	return decodeValue(resp)
}

func (w *worker) abort(ctx context.Context, cause error) error {
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"rank":  structpb.NewNumberValue(float64(w.rank)),
		"cause": structpb.NewStringValue(msg),
	}}
	if err := w.conn.Invoke(ctx, abortMethod, req, new(structpb.Struct)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (w *worker) close() error {
	return w.conn.Close()
}
