package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// asyncWriter fans log lines out to several sinks from a single goroutine.
type asyncWriter struct {
	queue   chan []byte
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	sinks   []*bufio.Writer

	mu  sync.Mutex
	err error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	aw := &asyncWriter{
		queue:   make(chan []byte, 512),
		flushes: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, w := range writers {
		if w != nil {
			aw.sinks = append(aw.sinks, bufio.NewWriterSize(w, bufSize))
		}
	}
	go aw.run()
	return aw
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for {
		select {
		case line := <-w.queue:
			w.record(w.writeLine(line))
		case ack := <-w.flushes:
			w.drain()
			ack <- w.flushSinks()
		case <-w.stop:
			w.drain()
			w.record(w.flushSinks())
			return
		}
	}
}

func (w *asyncWriter) drain() {
	for {
		select {
		case line := <-w.queue:
			w.record(w.writeLine(line))
		default:
			return
		}
	}
}

// Write copies p and enqueues it. When the queue is full the caller blocks instead of dropping lines.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.failure(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	line := append([]byte(nil), p...)
	select {
	case <-w.stop:
		return errors.New("logger: writer closed")
	case w.queue <- line:
		return nil
	}
}

// Flush blocks until every queued line has reached the sinks.
func (w *asyncWriter) Flush() error {
	ack := make(chan error, 1)
	select {
	case <-w.done:
		return w.failure()
	case w.flushes <- ack:
	}
	return <-ack
}

// Close drains the queue and reports the first encountered write error.
func (w *asyncWriter) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return w.failure()
}

func (w *asyncWriter) writeLine(p []byte) error {
	for _, sink := range w.sinks {
		if _, err := sink.Write(p); err != nil {
			return err
		}
		if err := sink.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (w *asyncWriter) flushSinks() error {
	var errs []error
	for _, sink := range w.sinks {
		if err := sink.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *asyncWriter) record(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}
