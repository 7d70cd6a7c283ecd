package modem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/gsmbridge/at"
	"i4.energy/across/gsmbridge/modem"
)

func TestModemNew(t *testing.T) {
	t.Run("Initialization Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		replies := make(chan string, 16)

		expectReads(mockTransport, replies)
		gomock.InOrder(concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport, replies),
			[]any{
				closeCall(mockTransport, replies, nil),
			},
		)...)

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}
		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m == nil {
			t.Fatal("New() should return valid modem on success")
		}

		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
		<-m.Done()
		if err := m.Err(); err != nil {
			t.Errorf("expected no error after regular close, got: %v", err)
		}
	})

	t.Run("ErrSIMPinRequired when SIM PIN is required but not provided", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		replies := make(chan string, 16)

		calls := NewMockSequence(mockTransport, replies).
			EchoOff().
			VerboseErrors().
			CharsetGSM().
			VendorCommands().
			RegistrationFailed().
			SimPinRequired().
			Build()

		expectReads(mockTransport, replies)
		gomock.InOrder(
			concat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				calls,
				[]any{
					closeCall(mockTransport, replies, nil),
				},
			)...,
		)

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrSIMPinRequired) {
			t.Errorf("expected ErrSIMPinRequired, got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when error occurs")
		}
	})

	t.Run("SIM PIN sent when registration check fails", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		replies := make(chan string, 16)

		calls := NewMockSequence(mockTransport, replies).
			EchoOff().
			VerboseErrors().
			CharsetGSM().
			VendorCommands().
			RegistrationFailed().
			EnterPIN("1234").
			SMSSetup().
			StorageSIM().
			Build()

		expectReads(mockTransport, replies)
		gomock.InOrder(
			concat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				calls,
				[]any{
					closeCall(mockTransport, replies, nil),
				},
			)...,
		)

		config, err := testConfig(mockDialer).WithSimPIN("1234").Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m.Close()
		<-m.Done()
	})

	t.Run("Vendor command failures are tolerated", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		replies := make(chan string, 16)

		calls := NewMockSequence(mockTransport, replies).
			EchoOff().
			VerboseErrors().
			CharsetGSM().
			Expect("AT^CURC=0", "ERROR\r\n").
			Expect("AT+COPS=0", "+CME ERROR: 3\r\n").
			Registered().
			SMSSetup().
			Expect(`AT+CPMS="SM","SM","SM"`, "+CMS ERROR: 302\r\n").
			Build()

		expectReads(mockTransport, replies)
		gomock.InOrder(
			concat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				calls,
				[]any{
					closeCall(mockTransport, replies, nil),
				},
			)...,
		)

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m.Close()
		<-m.Done()
	})

	t.Run("Command error aborts initialization", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		replies := make(chan string, 16)

		calls := NewMockSequence(mockTransport, replies).
			EchoOff().
			Expect("AT+CMEE=1", "ERROR\r\n").
			Build()

		expectReads(mockTransport, replies)
		gomock.InOrder(
			concat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				calls,
				[]any{
					closeCall(mockTransport, replies, nil),
				},
			)...,
		)

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		var cmdErr *modem.CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("expected CommandError, got: %v", err)
		}
		if cmdErr.Command != "AT+CMEE=1" {
			t.Errorf("expected failing command AT+CMEE=1, got: %q", cmdErr.Command)
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})
}

func TestModemClose(t *testing.T) {
	newModem := func(t *testing.T, ctrl *gomock.Controller, closeErr error) *modem.Modem {
		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		replies := make(chan string, 16)

		expectReads(mockTransport, replies)
		gomock.InOrder(concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport, replies),
			[]any{
				closeCall(mockTransport, replies, closeErr),
			},
		)...)

		config, err := testConfig(mockDialer).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		return m
	}

	t.Run("Closes underlying transport successfully", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newModem(t, ctrl, nil)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
		<-m.Done()
		if m.State().Open {
			t.Error("expected modem state to be closed")
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		closeError := errors.New("transport close failed")
		m := newModem(t, ctrl, closeError)
		if err := m.Close(); err != closeError {
			t.Errorf("expected transport error, got: %v", err)
		}
		<-m.Done()
	})

	t.Run("ErrAlreadyClosed on double close", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newModem(t, ctrl, nil)

		// First close should succeed
		if err := m.Close(); err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}
		<-m.Done()

		// Second close should return ErrAlreadyClosed
		if err := m.Close(); err != modem.ErrAlreadyClosed {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}
	})
}

func TestModemConnectionLoss(t *testing.T) {
	transport := modem.NewTestTransport()
	config, err := testConfig(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
		WithDevice("/dev/ttyUSB0").
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m := modem.Attach(transport, config)
	defer m.Close()

	if state := m.State(); !state.Open || state.Device != "/dev/ttyUSB0" {
		t.Errorf("expected open modem on /dev/ttyUSB0, got: %+v", state)
	}

	// The device vanishes: the read side reports EOF.
	transport.Close()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("expected parser to stop after transport loss")
	}

	if !modem.IsFatal(m.Err()) {
		t.Errorf("expected fatal connection error, got: %v", m.Err())
	}
	if m.State().Open {
		t.Error("expected modem state to report the lost connection")
	}

	_, err = m.Correlator().Execute(context.Background(), modem.OpStatusCheck, "AT", at.EventOK, time.Second)
	if !errors.Is(err, modem.ErrConnection) {
		t.Errorf("expected ErrConnection after transport loss, got: %v", err)
	}
}

// concat joins slices in order; stands in for slices.Concat, which needs Go 1.22.
func concat[S ~[]E, E any](slices ...S) S {
	var out S
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}
