package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bpark/bparkd/internal/dispatch"
	"github.com/bpark/bparkd/internal/ops"
	"github.com/bpark/bparkd/internal/session"
	"github.com/bpark/bparkd/pkg/logger"
)

// Config sizes the gateway: line length cap, per-connection queue depth,
// and the global concurrency cap, which should match the database pool's
// max so commands queue at the gateway instead of timing out on Acquire.
type Config struct {
	Addr           string
	MaxLineBytes   int
	QueueDepth     int
	MaxConcurrency int
}

// Gateway accepts TCP clients and feeds their commands to the dispatcher.
// Each connection gets a FIFO queue drained by one worker goroutine, so a
// client's commands always run in the order it sent them. A global
// semaphore bounds how many commands run at once across all clients.
type Gateway struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	sem        chan struct{}
}

func NewGateway(cfg Config, dispatcher *dispatch.Dispatcher, registry *session.Registry) *Gateway {
	return &Gateway{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		sem:        make(chan struct{}, cfg.MaxConcurrency),
	}
}

// ListenAndServe accepts until the context is cancelled, then closes the
// listener and returns.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.cfg.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("gateway listening", "addr", g.cfg.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept", "error", err)
			continue
		}
		go g.serve(ctx, conn)
	}
}

func (g *Gateway) serve(ctx context.Context, netConn net.Conn) {
	c := newClient(netConn)
	ops.ActiveConnections.Inc()

	ctx = context.WithValue(ctx, logger.ConnectionIDKey, c.ID().String())
	logger.InfoContext(ctx, "client connected", "remote_addr", c.RemoteAddr())

	queue := make(chan []string, g.cfg.QueueDepth)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.drain(ctx, c, queue)
	}()

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 0, 4096), g.cfg.MaxLineBytes)
	for scanner.Scan() {
		tokens, err := decodeRequest(scanner.Bytes())
		if err != nil {
			logger.WarnContext(ctx, "bad request line", "error", err)
			c.Send("ERROR_BAD_REQUEST")
			continue
		}
		select {
		case queue <- tokens:
		default:
			// Queue full: shed instead of buffering without bound.
			c.Send("ERROR_BUSY")
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.DebugContext(ctx, "connection read ended", "error", err)
	}

	close(queue)
	<-done
	g.registry.Disconnect(c.ID())
	c.Close()
	ops.ActiveConnections.Dec()
	ops.ActiveSessions.Set(float64(g.registry.Count()))
	logger.InfoContext(ctx, "client disconnected", "remote_addr", c.RemoteAddr())
}

// drain runs the connection's commands strictly in order, holding a
// semaphore slot while each one executes.
func (g *Gateway) drain(ctx context.Context, c *client, queue <-chan []string) {
	for tokens := range queue {
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		reply := g.dispatcher.Handle(ctx, dispatch.Request{Conn: c, Tokens: tokens})
		<-g.sem

		if err := g.send(c, reply); err != nil {
			logger.DebugContext(ctx, "write reply", "error", err)
			return
		}
		ops.ActiveSessions.Set(float64(g.registry.Count()))
	}
}

func (g *Gateway) send(c *client, reply dispatch.Reply) error {
	switch {
	case reply.Blob != nil:
		return c.sendReplyBlob(reply.BlobTag, reply.Text, reply.Blob)
	case reply.Text != "":
		return c.Send(reply.Text)
	default:
		// Silent denial: nothing goes back.
		return nil
	}
}
