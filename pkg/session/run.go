//go:build linux || darwin

package session

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// DumpSignal requests a mid-run dump.
var DumpSignal os.Signal = unix.SIGUSR2

// Entry is the profiled program's entry point.
type Entry func(ctx context.Context, args []string) error

// Run profiles entry in a fresh timestamped directory under root and returns
// the index of its report. The report is written even when entry fails or
// panics, and entry's own error always comes first in the returned error.
// Thread pools are limited to one thread while entry runs.
func (c *Controller) Run(ctx context.Context, root string, entry Entry, args []string) (string, error) {
	dir := c.NewOutputDir(root)
	if err := c.Start(dir); err != nil {
		return "", err
	}
	restore, err := DisableThreadPools()
	if err != nil {
		c.logger.WithError(err).Debug("Cannot limit thread pools")
	}
	defer restore()

	stopSignals := c.HandleDumpSignal(root)
	defer stopSignals()
	c.logger.Infof("Memory usage will be written out at exit. To write out peak memory usage up to now, run: kill -s SIGUSR2 %d", os.Getpid())

	defer func() {
		if r := recover(); r != nil {
			if _, err := c.Stop(dir); err != nil {
				c.logger.WithError(err).Error("Cannot write report")
			}
			panic(r)
		}
	}()

	runErr := entry(ctx, args)
	index, stopErr := c.Stop(dir)
	if runErr == nil {
		return index, stopErr
	}
	if stopErr == nil {
		return index, runErr
	}
	return index, multierror.Append(runErr, stopErr)
}

// HandleDumpSignal dumps into a new directory under root whenever
// DumpSignal arrives, until the returned function is called.
func (c *Controller) HandleDumpSignal(root string) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, DumpSignal)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				dir := c.NewOutputDir(root)
				c.logger.WithField("signal", sig).Debug("Dump requested")
				if _, err := c.Dump(dir); err != nil {
					c.logger.WithError(err).Warn("Cannot dump on signal")
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
		wg.Wait()
	}
}
