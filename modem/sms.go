package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"i4.energy/across/gsmbridge/at"
)

const (
	setupTimeout   = 10 * time.Second
	listTimeout    = 30 * time.Second
	readTimeout    = 10 * time.Second
	deleteTimeout  = 10 * time.Second
	countTimeout   = 30 * time.Second
	promptTimeout  = time.Second
	confirmTimeout = 30 * time.Second
	trailerTimeout = time.Second
)

var (
	// ErrNoMessage is returned by Read when the slot is empty.
	ErrNoMessage = errors.New("no message at index")

	// ErrInvalidRecipient is returned by Send for an empty or malformed
	// destination number.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   string
	Text   string
}

// Unread reports whether the message was not yet read by anyone.
func (s SMS) Unread() bool {
	return s.Status == at.StatusUnread
}

func newSMS(r at.Record) SMS {
	return SMS{
		Index:  r.Index,
		Status: r.Status,
		Sender: strings.TrimSpace(r.Sender),
		Time:   r.Time,
		Text:   normalizeText(r.Text),
	}
}

// normalizeText makes modem text safe to forward: invalid bytes replaced,
// NFC composed, surrounding whitespace removed.
func normalizeText(text string) string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	return strings.TrimSpace(norm.NFC.String(text))
}

// SmsManager drives the text-mode message store.
type SmsManager struct {
	correlator *Correlator
	logger     *slog.Logger
	pause      time.Duration
}

func newSmsManager(correlator *Correlator, config Config) *SmsManager {
	return &SmsManager{
		correlator: correlator,
		logger:     config.logger.With("component", "sms"),
		pause:      config.messagePause,
	}
}

// List returns every message in the store. An empty store yields an empty
// slice.
func (m *SmsManager) List(ctx context.Context) ([]SMS, error) {
	s, err := m.correlator.Begin(ctx, OpSmsReceive)
	if err != nil {
		return nil, err
	}
	defer s.End()
	return m.list(s)
}

func (m *SmsManager) list(s *Session) ([]SMS, error) {
	reply, err := s.Execute(at.CmdListAll, at.EventListReply, listTimeout)
	if err != nil {
		return nil, err
	}

	records, errs := at.ParseMessageList(reply.Payload)
	for _, err := range errs {
		m.logger.Warn("skipping malformed message header", "error", err)
	}

	messages := make([]SMS, 0, len(records))
	for _, r := range records {
		messages = append(messages, newSMS(r))
	}
	return messages, nil
}

// Read returns the message stored at index.
func (m *SmsManager) Read(ctx context.Context, index int) (SMS, error) {
	s, err := m.correlator.Begin(ctx, OpSmsReceive)
	if err != nil {
		return SMS{}, err
	}
	defer s.End()

	reply, err := s.Execute(at.ReadMessage(index), at.EventReadReply, readTimeout)
	if err != nil {
		return SMS{}, err
	}
	if reply.Payload == "" {
		return SMS{}, fmt.Errorf("read %d: %w", index, ErrNoMessage)
	}
	rec, err := at.ParseMessageRead(reply.Payload, index)
	if err != nil {
		return SMS{}, err
	}
	return newSMS(rec), nil
}

// Delete removes the message at index. Deleting an empty slot succeeds.
func (m *SmsManager) Delete(ctx context.Context, index int) error {
	s, err := m.correlator.Begin(ctx, OpSmsReceive)
	if err != nil {
		return err
	}
	defer s.End()
	return m.delete(s, index)
}

func (m *SmsManager) delete(s *Session, index int) error {
	_, err := s.Execute(at.DeleteMessage(index), at.EventOK, deleteTimeout)
	if err != nil {
		return err
	}
	m.logger.Debug("message deleted", "index", index)
	return nil
}

// Count returns how many messages occupy the receive store.
func (m *SmsManager) Count(ctx context.Context) (int, error) {
	s, err := m.correlator.Begin(ctx, OpSmsReceive)
	if err != nil {
		return 0, err
	}
	defer s.End()

	reply, err := s.Execute(at.CmdStorageQuery, at.EventOK, countTimeout)
	if err != nil {
		return 0, err
	}
	line, ok := at.FindLine(reply.Lines, at.StorageReply)
	if !ok {
		return 0, &at.ParseError{Line: strings.Join(reply.Lines, " "), Reason: "no +CPMS reply"}
	}
	storage, err := at.ParseStorage(line)
	if err != nil {
		return 0, err
	}
	return storage.Used, nil
}

// ReadNew hands every stored message to deliver and deletes it once
// delivered, all under a single receive operation. A message whose delete
// fails stays in the store and is delivered again on the next call.
func (m *SmsManager) ReadNew(ctx context.Context, deliver func(SMS) error) (int, error) {
	s, err := m.correlator.Begin(ctx, OpSmsReceive)
	if err != nil {
		return 0, err
	}
	defer s.End()

	start := time.Now()
	messages, err := m.list(s)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		m.logger.Debug("no messages in store")
		return 0, nil
	}

	delivered := 0
	for i, msg := range messages {
		m.logger.Info("message received", "index", msg.Index, "from", msg.Sender, "status", msg.Status)
		if err := deliver(msg); err != nil {
			return delivered, fmt.Errorf("deliver message %d: %w", msg.Index, err)
		}
		delivered++

		if err := m.delete(s, msg.Index); err != nil {
			if IsFatal(err) {
				return delivered, err
			}
			m.logger.Warn("delete after delivery failed", "index", msg.Index, "error", err)
		}
		if i < len(messages)-1 {
			if err := sleep(ctx, m.pause); err != nil {
				return delivered, err
			}
		}
	}

	if elapsed := time.Since(start); elapsed > time.Minute {
		m.logger.Warn("message processing was slow", "count", delivered, "elapsed", elapsed)
	}
	return delivered, nil
}

// Send transmits text to recipient in text mode and returns the message
// reference. ErrNoPrompt means nothing was sent. ErrSendUnconfirmed means
// the body left but the modem never confirmed it.
func (m *SmsManager) Send(ctx context.Context, recipient, text string) (int, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.ContainsAny(recipient, "\"\r\n") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}

	s, err := m.correlator.Begin(ctx, OpSmsSend)
	if err != nil {
		return 0, err
	}
	defer s.End()

	for _, cmd := range []string{at.CmdSetTextMode, at.CmdCharsetGSM} {
		if _, err := s.Execute(cmd, at.EventOK, setupTimeout); err != nil {
			return 0, err
		}
	}

	if _, err := s.Execute(at.SendMessage(recipient), at.EventPrompt, promptTimeout); err != nil {
		if IsFatal(err) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrNoPrompt, err)
	}

	body := strings.NewReplacer(at.CtrlZ, "", "\x1b", "").Replace(text)
	reply, err := s.Transmit(body+at.CtrlZ, at.EventSendConfirm, confirmTimeout)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return 0, err
		}
		m.logger.Error("message body sent but not confirmed", "to", recipient, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrSendUnconfirmed, err)
	}

	// The final OK trails the confirmation; consume it so it cannot be
	// taken for the reply of the next command.
	if _, err := s.Wait(at.EventOK, trailerTimeout); err != nil && IsFatal(err) {
		return 0, err
	}

	ref, err := at.ParseSendReference(reply.Payload)
	if err != nil {
		m.logger.Warn("unreadable send confirmation", "reply", reply.Payload, "error", err)
		ref = -1
	}
	m.logger.Info("message sent", "to", recipient, "reference", ref)
	return ref, nil
}

// Sweep deletes messages that were already read and keeps unread ones. It
// returns how many messages were removed.
func (m *SmsManager) Sweep(ctx context.Context) (int, error) {
	s, err := m.correlator.Begin(ctx, OpSmsReceive)
	if err != nil {
		return 0, err
	}
	defer s.End()

	messages, err := m.list(s)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range messages {
		if msg.Status != at.StatusRead {
			continue
		}
		if err := m.delete(s, msg.Index); err != nil {
			if IsFatal(err) {
				return deleted, err
			}
			m.logger.Warn("sweep delete failed", "index", msg.Index, "error", err)
			continue
		}
		deleted++
	}
	m.logger.Info("startup sweep finished", "listed", len(messages), "deleted", deleted)
	return deleted, nil
}
