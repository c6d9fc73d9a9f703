package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = DefaultReadTimeout
	shutdownTimeout     = 30 * time.Second

	gracefulEnvKey     = "IS_GRACEFUL"
	gracefulEnvValue   = gracefulEnvKey + "=1"
	gracefulListenerFD = 3
)

// Server wraps http.Server with graceful shutdown on SIGINT/SIGTERM or context
// cancellation, and zero-downtime restart on SIGUSR2 by handing the listener to a child process.
type Server struct {
	*http.Server

	listener   net.Listener
	isGraceful bool
	signals    chan os.Signal
}

// NewServer creates a Server with timeouts and handler.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		Server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		isGraceful: os.Getenv(gracefulEnvKey) != "",
		signals:    make(chan os.Signal, 1),
	}
}

// Serve listens on Addr and blocks until the server has shut down.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := srv.netListener()
	if err != nil {
		return err
	}
	srv.listener = ln

	signal.Notify(srv.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(srv.signals)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.waitForShutdown(ctx)
	}()

	err = srv.Server.Serve(ln)
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (srv *Server) netListener() (net.Listener, error) {
	if srv.isGraceful {
		ln, err := net.FileListener(os.NewFile(gracefulListenerFD, ""))
		if err != nil {
			return nil, fmt.Errorf("inherit listener: %w", err)
		}
		return ln, nil
	}
	addr := srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (srv *Server) waitForShutdown(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			Sugar.Info("context cancelled, shutting down HTTP server")
			srv.shutdown()
			return
		case sig := <-srv.signals:
			switch sig {
			case syscall.SIGUSR2:
				Sugar.Info("received SIGUSR2, restarting HTTP server")
				pid, err := srv.startChild()
				if err != nil {
					Sugar.Errorf("start new process failed: %v, continue serving", err)
					continue
				}
				Sugar.Infof("new process started, pid=%d", pid)
			default:
				Sugar.Infof("received %s, shutting down HTTP server", sig)
			}
			srv.shutdown()
			return
		}
	}
}

func (srv *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		Sugar.Errorf("HTTP server shutdown error: %v", err)
		return
	}
	Sugar.Info("HTTP server shutdown complete")
}

// startChild re-executes the binary with the listening socket as fd 3.
func (srv *Server) startChild() (int, error) {
	tcpLn, ok := srv.listener.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener is not *net.TCPListener")
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("get listener file: %w", err)
	}

	envs := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if e != gracefulEnvValue {
			envs = append(envs, e)
		}
	}
	envs = append(envs, gracefulEnvValue)

	return syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   envs,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	})
}

// GraceServer serves handler on addr until ctx is cancelled or a stop signal arrives.
func GraceServer(ctx context.Context, addr string, handler http.Handler) error {
	return NewServer(addr, handler, DefaultReadTimeout, DefaultWriteTimeout).Serve(ctx)
}
