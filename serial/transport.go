package serial

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

// maxLineLength bounds a single inbound line.
const maxLineLength = 4096

// A Handler executes one inbound message.
type Handler interface {
	Handle(ctx context.Context, topic, payload string) error
}

// Transport exchanges newline terminated "<topic> <payload>" lines over a byte stream.
type Transport struct {
	port    io.ReadWriter
	handler Handler
	logger  logging.Logger

	writeMu sync.Mutex
	workers utils.StoppableWorkers
}

// NewTransport starts reading lines from port and handing them to handler. Closing the
// transport closes port if it is an io.Closer.
func NewTransport(port io.ReadWriter, handler Handler, logger logging.Logger) *Transport {
	t := &Transport{port: port, handler: handler, logger: logger}
	t.workers = utils.NewStoppableWorkers(t.readLines)
	return t
}

func (t *Transport) readLines(ctx context.Context) {
	scanner := bufio.NewScanner(t.port)
	scanner.Buffer(make([]byte, 0, 256), maxLineLength)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		topic, payload, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if err := t.handler.Handle(ctx, topic, payload); err != nil {
			t.logger.Debugw("serial message rejected", "topic", topic, "error", err)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.logger.Warnw("serial read stopped", "error", err)
	}
}

// ParseLine splits a line into a topic and a payload at the first run of whitespace. Blank
// lines and lines starting with '#' are skipped.
func ParseLine(line string) (topic, payload string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, "", true
	}
	return line[:idx], strings.TrimSpace(line[idx:]), true
}

// Publish writes one outbound line. Newlines in the payload are replaced by spaces.
func (t *Transport) Publish(topic, payload string) {
	line := topic + " " + strings.ReplaceAll(strings.ReplaceAll(payload, "\r", " "), "\n", " ") + "\n"
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(t.port, line); err != nil {
		t.logger.Warnw("serial write failed", "topic", topic, "error", err)
	}
}

// Close closes the port and waits for the reader to stop.
func (t *Transport) Close() error {
	var err error
	if closer, ok := t.port.(io.Closer); ok {
		err = closer.Close()
	}
	t.workers.Stop()
	return err
}
