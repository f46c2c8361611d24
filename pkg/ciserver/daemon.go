package ciserver

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const drainTimeout = 10 * time.Second

// DaemonProcess is a long-running part of the CI: the worker loop, the
// publisher and the HTTP server all implement it. Run must return once ctx
// is cancelled.
type DaemonProcess interface {
	Run(ctx context.Context)
}

func NewDaemonServer(processes []DaemonProcess) *DaemonServer {
	da := &DaemonServer{}

	for _, p := range processes {
		da.addProcess(p)
	}

	return da
}

// DaemonServer ties the process lifetimes together: it starts every
// registered process, waits for SIGINT/SIGTERM, cancels them all and gives
// them a bounded window to drain.
type DaemonServer struct {
	processes []DaemonProcess
}

func (da *DaemonServer) addProcess(process DaemonProcess) {
	if da.processes == nil {
		da.processes = make([]DaemonProcess, 0)
	}

	da.processes = append(da.processes, process)
}

func (da *DaemonServer) Serve() {
	if len(da.processes) < 1 {
		log.Error("empty process list, exiting")
		return
	}

	log.Info("started serving")

	pendingContexts := make([]context.CancelFunc, 0)
	wg := sync.WaitGroup{}

	for _, process := range da.processes {
		ctx, cancel := context.WithCancel(context.Background())

		pendingContexts = append(pendingContexts, cancel)
		wg.Add(1)
		p := process
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigChannel

	log.Infof("received shutdown signal: %v", s)

	for _, cancel := range pendingContexts {
		cancel()
	}

	// give them time to finish
	wchan := make(chan struct{})
	go func() {
		defer close(wchan)
		wg.Wait()
	}()

	select {
	case <-wchan:
		log.Info("all processes finished")
	case <-time.After(drainTimeout):
		log.Warning("timed out waiting for processes to finish")
	}

	log.Info("ended serving")
}
