package modem_test

import (
	"io"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/gsmbridge/modem"
)

// MockSequenceBuilder scripts an ordered command/reply exchange on a
// MockTransport. Replies are handed to the parser through a channel that
// the Read expectation drains.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport, replies chan string) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		replies:   replies,
		calls:     []any{},
	}
}

// Expect adds a write of cmd answered by reply. An empty reply leaves the
// modem silent.
func (b *MockSequenceBuilder) Expect(cmd, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r")).DoAndReturn(func(p []byte) (int, error) {
			if reply != "" {
				b.replies <- reply
			}
			return len(p), nil
		}),
	)
	return b
}

// Body adds the write of a message body terminated by Ctrl-Z.
func (b *MockSequenceBuilder) Body(text, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(text+"\x1a")).DoAndReturn(func(p []byte) (int, error) {
			if reply != "" {
				b.replies <- reply
			}
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.Expect("AT", "OK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.Expect("ATE0", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.Expect("AT+CMEE=1", "OK\r\n")
}

func (b *MockSequenceBuilder) CharsetGSM() *MockSequenceBuilder {
	return b.Expect(`AT+CSCS="GSM"`, "OK\r\n")
}

func (b *MockSequenceBuilder) VendorCommands() *MockSequenceBuilder {
	return b.
		Expect("AT^CURC=0", "OK\r\n").
		Expect("AT+COPS=0", "OK\r\n")
}

func (b *MockSequenceBuilder) Registered() *MockSequenceBuilder {
	return b.Expect("AT+CREG?", "+CREG: 0,1\r\nOK\r\n")
}

func (b *MockSequenceBuilder) RegistrationFailed() *MockSequenceBuilder {
	return b.Expect("AT+CREG?", "+CME ERROR: 11\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.Expect("AT+CPIN?", "+CPIN: SIM PIN\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EnterPIN(pin string) *MockSequenceBuilder {
	return b.Expect(`AT+CPIN="`+pin+`"`, "OK\r\n")
}

func (b *MockSequenceBuilder) SMSSetup() *MockSequenceBuilder {
	return b.
		Expect("AT+CMGF=1", "OK\r\n").
		Expect("AT+CSDH=1", "OK\r\n").
		Expect("AT+CNMI=2,1,0,0,0", "OK\r\n").
		AT()
}

func (b *MockSequenceBuilder) StorageSIM() *MockSequenceBuilder {
	return b.Expect(`AT+CPMS="SM","SM","SM"`, "+CPMS: 0,30,0,30,0,30\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls is the full successful initialization sequence.
func initMockCalls(transport *modem.MockTransport, replies chan string) []any {
	return NewMockSequence(transport, replies).
		EchoOff().
		VerboseErrors().
		CharsetGSM().
		VendorCommands().
		Registered().
		SMSSetup().
		StorageSIM().
		Build()
}

// expectReads lets the parser drain replies until the channel is closed.
func expectReads(transport *modem.MockTransport, replies chan string) {
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		data, ok := <-replies
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	}).AnyTimes()
}

// closeCall expects Close and ends the read side with it.
func closeCall(transport *modem.MockTransport, replies chan string, err error) *gomock.Call {
	return transport.EXPECT().Close().DoAndReturn(func() error {
		close(replies)
		return err
	})
}

func testConfig(dialer modem.Dialer) *modem.ConfigBuilder {
	return modem.NewConfigBuilder().
		WithDialer(dialer).
		WithSettleDelay(0).
		WithMessagePause(0)
}
