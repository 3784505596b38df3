package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Job is anything with a start/stop lifecycle owned by the caller.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel in its own goroutine and hands every item
// to a handler. Registry membership events are consumed through it so
// the registry never blocks on a slow subscriber's logic.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				// ошибка обработчика не должна убивать цикл:
				// событие теряется, цикл продолжает жить
				slog.Error("listener handler failed", "err", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
