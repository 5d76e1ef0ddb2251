// Command nativeexecd is the native-code execution service (spec.md §1):
// it accepts one local framed connection per client, and for each one runs
// an independent session capable of loading native shared libraries,
// invoking arbitrary C-ABI exported functions, and routing native callback
// invocations back to the controller as events.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/confio-labs/nativeexecd/internal/config"
	"github.com/confio-labs/nativeexecd/internal/ffi"
	"github.com/confio-labs/nativeexecd/internal/logging"
	"github.com/confio-labs/nativeexecd/internal/session"
	"github.com/confio-labs/nativeexecd/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nativeexecd: building logger:", err)
		return 1
	}
	defer log.Sync()
	ffi.SetLogger(log.Named("ffi"))

	if err := session.EnsureFFI(); err != nil {
		log.Error("failed to initialise libffi", zap.Error(err))
		return 1
	}

	listener, err := transport.Listen(cfg.PipeName)
	if err != nil {
		log.Error("failed to bind listener", zap.Error(err), zap.String("pipe", cfg.PipeName))
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down on signal")
		listener.Close()
	}()

	acceptLoop(listener, log, cfg.MaxSessions)
	log.Info("nativeexecd stopped cleanly")
	return 0
}

func acceptLoop(listener net.Listener, log *zap.Logger, maxSessions int) {
	var wg sync.WaitGroup
	var active int
	var mu sync.Mutex

	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}

		if maxSessions > 0 {
			mu.Lock()
			if active >= maxSessions {
				mu.Unlock()
				log.Warn("rejecting connection, session limit reached", zap.Int("max_sessions", maxSessions))
				conn.Close()
				continue
			}
			active++
			mu.Unlock()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if maxSessions > 0 {
				defer func() {
					mu.Lock()
					active--
					mu.Unlock()
				}()
			}
			sess := session.New(transport.New(conn), log)
			sess.Run()
		}()
	}

	wg.Wait()
}
