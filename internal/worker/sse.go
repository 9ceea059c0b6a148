package worker

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// SSEEvent is one parsed server-sent event, stamped with the perf clock
// reading taken the moment its terminating blank line was observed.
type SSEEvent struct {
	ID      string
	Event   string
	Data    string
	Retry   string
	Comment string
	PerfNs  int64
}

// Done reports whether this event is the `data: [DONE]` sentinel that
// closes the stream without producing content.
func (e SSEEvent) Done() bool { return e.Event == "" && e.Data == "[DONE]" }

// IsError reports whether this is an `event: error` message; its Comment
// field carries the surfaced error text (spec.md §4.6 SSE parsing rules).
func (e SSEEvent) IsError() bool { return e.Event == "error" }

// ParseSSE scans r for a sequence of SSE messages (blank-line separated,
// each a list of "field: value" lines) and invokes onEvent for every
// complete message, grounded on the teacher's readSSEChatStream
// (internal/adapter/ai/real/client.go): a scanner goroutine feeding a
// channel so a sliding idle timeout can abort a stalled stream.
func ParseSSE(r io.Reader, idleTimeout time.Duration, nowNs func() int64, onEvent func(SSEEvent) error) error {
	if idleTimeout <= 0 {
		idleTimeout = 20 * time.Second
	}
	if nowNs == nil {
		nowNs = func() int64 { return time.Now().UnixNano() }
	}

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	type lineMsg struct {
		line string
		err  error
	}
	// Buffered so the scanner goroutine can deposit its final line/error
	// and exit even if ParseSSE has already returned (idle timeout case).
	lines := make(chan lineMsg, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- lineMsg{line: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			lines <- lineMsg{err: err}
		}
	}()

	var cur SSEEvent
	var data []string
	var comment []string
	reset := func() {
		cur = SSEEvent{}
		data = data[:0]
		comment = comment[:0]
	}
	pending := func() bool {
		return len(data) != 0 || len(comment) != 0 || cur.ID != "" || cur.Event != "" || cur.Retry != ""
	}
	flush := func() error {
		cur.Data = strings.Join(data, "\n")
		cur.Comment = strings.Join(comment, "\n")
		cur.PerfNs = nowNs()
		return onEvent(cur)
	}

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-lines:
			if !ok {
				if pending() {
					return flush()
				}
				return nil
			}
			if msg.err != nil {
				return msg.err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			line := msg.line
			if line == "" {
				if !pending() {
					continue
				}
				if err := flush(); err != nil {
					return err
				}
				if cur.Done() {
					return nil
				}
				reset()
				continue
			}
			field, value, hasColon := strings.Cut(line, ":")
			if !hasColon {
				field, value = line, ""
			}
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "":
				comment = append(comment, value)
			case "data":
				data = append(data, value)
			case "event":
				cur.Event = value
			case "id":
				cur.ID = value
			case "retry":
				cur.Retry = value
			}
		case <-timer.C:
			if closer, ok := r.(io.Closer); ok {
				_ = closer.Close()
			}
			return domain.ErrSSEResponse
		}
	}
}
