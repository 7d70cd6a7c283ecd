package modem

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"i4.energy/across/gsmbridge/at"
)

// maxDuplicateLines is how many identical consecutive lines a capture
// accepts before it is force-completed.
const maxDuplicateLines = 10

// Reply is what a command exchange produced.
type Reply struct {
	// Payload is the text of the awaited event: the whole block for list
	// and read replies, the matching line otherwise.
	Payload string
	// Lines holds every non-blank line received since the command was sent.
	Lines []string
}

type captureKind int

const (
	captureNone captureKind = iota
	captureList
	captureRead
)

// Parser consumes modem output line by line and maintains the event flags
// the correlator waits on. It is the only reader of the transport.
type Parser struct {
	logger *slog.Logger

	mu sync.Mutex
	// fired holds the payload of every event kind seen since the last reset
	fired map[at.EventKind]string
	// failure is the last ERROR / +CME ERROR / +CMS ERROR line
	failure string
	// lines is the transcript since the last reset
	lines []string
	// expect is the event the current command waits for
	expect at.EventKind
	// err is set once the reader stopped
	err error
	// changed is closed and replaced on every state change
	changed chan struct{}

	capture  captureKind
	captured []string
	lastLine string
	repeats  int
	// bodyLen is the <length> of the current record, -1 when the header
	// does not carry one. bodyLeft counts down as body lines arrive.
	bodyLen   int
	bodyLeft  int
	bodyLines int
}

// NewParser returns an idle parser. Run starts consuming input.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		logger:  logger,
		fired:   make(map[at.EventKind]string),
		changed: make(chan struct{}),
	}
}

// Run reads r until it fails and feeds every line to the parser. The
// returned error is already classified; waiters are woken with it.
func (p *Parser) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(at.CaptureSplitter(p.capturing))

	for scanner.Scan() {
		p.Feed(scanner.Text())
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	err = ClassifyIOError("read", err)

	p.mu.Lock()
	p.err = err
	p.broadcast()
	p.mu.Unlock()
	return err
}

// Err returns the error that stopped Run, if any.
func (p *Parser) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Parser) capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capture != captureNone
}

// Feed applies one line of modem output. Lines a record header still owes
// are message text whatever they look like.
func (p *Parser) Feed(line string) {
	ev := at.Classify(line)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bodyDue(ev) {
		p.appendBody(line)
		p.broadcast()
		return
	}
	if ev.Kind == at.EventNone {
		return
	}
	defer p.broadcast()

	if ev.Kind != at.EventPrompt {
		p.lines = append(p.lines, ev.Payload)
	}
	if p.capture != captureNone && p.continueCapture(ev) {
		return
	}

	switch ev.Kind {
	case at.EventPrompt:
		p.fired[at.EventPrompt] = at.Prompt
		p.fired[at.EventOK] = at.Prompt

	case at.EventReadReply:
		p.openCapture(captureRead, ev.Payload)
		if ev.FoldedOK {
			p.finishCapture()
			p.fired[at.EventOK] = ev.Payload
		}

	case at.EventListReply:
		p.openCapture(captureList, ev.Payload)

	case at.EventStorageReply, at.EventSignalReply:
		p.fired[ev.Kind] = ev.Payload
		if ev.FoldedOK {
			p.fired[at.EventOK] = ev.Payload
		}

	case at.EventSendConfirm:
		p.logger.Info("SMS accepted by modem", "reply", ev.Payload)
		p.fired[ev.Kind] = ev.Payload

	case at.EventIncoming:
		p.logger.Debug("new message indication", "urc", ev.Payload)
		p.fired[ev.Kind] = ev.Payload

	case at.EventError:
		p.logger.Warn("modem reported error", "line", ev.Payload)
		p.failure = ev.Payload

	case at.EventOK:
		p.fired[at.EventOK] = ev.Payload
		// OK with no +CMGL / +CMGR block: the store or the slot is empty.
		if p.expect == at.EventListReply || p.expect == at.EventReadReply {
			if _, ok := p.fired[p.expect]; !ok {
				p.fired[p.expect] = ""
			}
		}
	}
}

// continueCapture offers ev to the open capture and reports whether the
// capture consumed it.
func (p *Parser) continueCapture(ev at.Event) bool {
	switch ev.Kind {
	case at.EventError:
		p.logger.Warn("multi-line reply aborted", "captured", len(p.captured))
		p.resetCapture()
		return false
	case at.EventIncoming, at.EventPrompt:
		return false
	case at.EventReadReply:
		if p.capture == captureRead {
			return false
		}
	case at.EventListReply:
		if p.capture == captureList {
			p.captured = append(p.captured, ev.Payload)
			p.startRecord(ev.Payload)
			return true
		}
	}

	text := ev.Payload
	if text == at.OK {
		p.finishCapture()
		p.fired[at.EventOK] = text
		return true
	}
	if text == p.lastLine {
		p.repeats++
		p.logger.Warn("duplicate reply line", "line", text, "repeats", p.repeats)
		if p.repeats >= maxDuplicateLines {
			p.logger.Error("reply loop detected, completing capture", "repeats", p.repeats)
			p.finishCapture()
			return true
		}
		// A list body may repeat a line; a read reply that does is looping.
		if p.capture == captureRead {
			return true
		}
	} else {
		p.lastLine, p.repeats = text, 0
	}

	if p.capture == captureRead && strings.HasSuffix(text, at.OK) {
		// Past a body of known length the folded OK line is only the
		// terminator.
		if p.bodyLen < 0 {
			p.captured = append(p.captured, text)
		}
		p.finishCapture()
		return true
	}
	p.captured = append(p.captured, text)
	return true
}

func (p *Parser) openCapture(kind captureKind, header string) {
	p.capture = kind
	p.captured = []string{header}
	p.startRecord(header)
}

// startRecord expects the body of the record introduced by header.
func (p *Parser) startRecord(header string) {
	p.lastLine, p.repeats = "", 0
	p.bodyLen, p.bodyLines = -1, 0
	if n, ok := at.BodyLength(header); ok {
		p.bodyLen = n
	}
	p.bodyLeft = p.bodyLen
}

// bodyDue reports whether the line classified as ev belongs to the body of
// the open record. Without a length only the first line after the header
// is taken unconditionally.
func (p *Parser) bodyDue(ev at.Event) bool {
	switch {
	case p.capture == captureNone:
		return false
	case p.bodyLen < 0:
		return p.bodyLines == 0
	case p.bodyLeft <= 0:
		return false
	}
	// A miscounted body must not swallow the next record.
	if p.bodyLines > 0 && p.capture == captureList && ev.Kind == at.EventListReply {
		_, err := at.ParseListHeader(ev.Payload)
		return err != nil
	}
	return true
}

func (p *Parser) appendBody(line string) {
	n := at.TextLength(line)
	if p.bodyLines > 0 {
		n += len(at.CRLF)
	}
	p.bodyLeft -= n
	p.bodyLines++
	p.captured = append(p.captured, line)

	text := strings.TrimSpace(line)
	if text != "" {
		p.lines = append(p.lines, text)
	}
	p.lastLine, p.repeats = text, 0

	if p.capture == captureRead && p.bodyLen < 0 && text != at.OK && strings.HasSuffix(text, at.OK) {
		p.finishCapture()
	}
}

func (p *Parser) finishCapture() {
	kind := at.EventReadReply
	if p.capture == captureList {
		kind = at.EventListReply
	}
	p.fired[kind] = strings.Join(p.captured, "\n")
	p.resetCapture()
}

func (p *Parser) resetCapture() {
	p.capture = captureNone
	p.captured = nil
	p.lastLine, p.repeats = "", 0
	p.bodyLen, p.bodyLeft, p.bodyLines = -1, 0, 0
}

// broadcast wakes every waiter. Callers hold p.mu.
func (p *Parser) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// reset clears every flag and the transcript ahead of a new command that
// waits for expect.
func (p *Parser) reset(expect at.EventKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.fired)
	p.failure = ""
	p.lines = nil
	p.expect = expect
	p.resetCapture()
}

// seen reports whether kind fired since the last reset.
func (p *Parser) seen(kind at.EventKind) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload, ok := p.fired[kind]
	return payload, ok
}

// wait blocks until want fires, an error line arrives, the reader stops or
// timeout elapses.
func (p *Parser) wait(ctx context.Context, want at.EventKind, timeout time.Duration) (Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if payload, ok := p.fired[want]; ok {
			reply := Reply{Payload: payload, Lines: slices.Clone(p.lines)}
			p.mu.Unlock()
			return reply, nil
		}
		if p.failure != "" {
			reply, line := Reply{Lines: slices.Clone(p.lines)}, p.failure
			p.mu.Unlock()
			return reply, &CommandError{Line: line}
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return Reply{}, err
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return Reply{}, ErrTimeout
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
}
