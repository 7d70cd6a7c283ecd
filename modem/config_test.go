package modem_test

import (
	"testing"

	"i4.energy/across/gsmbridge/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Builds with a dialer", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().
			WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
			WithSimPIN("1234").
			WithVendorCommands().
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}
	})
}
