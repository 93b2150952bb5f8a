package harvest

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Interrupt maps SIGINT and SIGTERM onto a run in two stages. The first
// signal cancels Drain: the orchestrator finishes the unit in flight and
// stops. The second cancels Abort, which ends the in-flight search and any
// CAPTCHA or OTP prompt the human has not answered yet.
type Interrupt struct {
	drain       context.Context
	abort       context.Context
	cancelDrain context.CancelFunc
	cancelAbort context.CancelFunc

	signals chan os.Signal
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NotifyInterrupt starts watching for SIGINT and SIGTERM. onSignal, if set,
// is called with the signal and its count (1 or 2) before the matching
// context is cancelled. Stop must be called when the command returns.
func NotifyInterrupt(parent context.Context, onSignal func(sig os.Signal, count int)) *Interrupt {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	return watchInterrupt(parent, signals, onSignal)
}

func watchInterrupt(parent context.Context, signals chan os.Signal, onSignal func(os.Signal, int)) *Interrupt {
	abort, cancelAbort := context.WithCancel(parent)
	drain, cancelDrain := context.WithCancel(abort)
	i := &Interrupt{
		drain:       drain,
		abort:       abort,
		cancelDrain: cancelDrain,
		cancelAbort: cancelAbort,
		signals:     signals,
		stop:        make(chan struct{}),
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		count := 0
		for {
			select {
			case sig := <-signals:
				count++
				if onSignal != nil {
					onSignal(sig, count)
				}
				if count == 1 {
					cancelDrain()
					continue
				}
				cancelAbort()
				return
			case <-abort.Done():
				return
			case <-i.stop:
				return
			}
		}
	}()
	return i
}

// Drain is cancelled by the first signal. Commands without units to finish
// use it as their only context.
func (i *Interrupt) Drain() context.Context { return i.drain }

// Abort is cancelled by the second signal.
func (i *Interrupt) Abort() context.Context { return i.abort }

// Stop releases the signal handler and cancels both contexts.
func (i *Interrupt) Stop() {
	i.once.Do(func() {
		signal.Stop(i.signals)
		close(i.stop)
		i.wg.Wait()
		i.cancelDrain()
		i.cancelAbort()
	})
}
