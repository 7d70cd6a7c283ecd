package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/atomic"
	"i4.energy/across/gsmbridge/modem"
)

//go:generate go tool mockgen -destination=mock_client.go -package=bridge . Client

const (
	DefaultSendTopic      = "send_sms"
	DefaultRecvTopic      = "sms_received"
	DefaultStatusTopic    = "sms_gateway/status"
	DefaultStartTopic     = "sms_gateway/start_time"
	DefaultStatusInterval = 3 * time.Minute

	connectTimeout  = 10 * time.Second
	publishTimeout  = 10 * time.Second
	sendTimeout     = 3 * time.Minute
	connectAttempts = 5
	previewLength   = 100
)

var (
	ErrNotConnected   = errors.New("mqtt not connected")
	ErrDisconnected   = errors.New("mqtt connection lost")
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	ErrConnectTimeout = errors.New("mqtt connect timed out")

	errSubscribeTimeout = errors.New("mqtt subscribe timed out")
)

// Client is the part of mqtt.Client the bridge relies on.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Sender is satisfied by *modem.SmsManager.
type Sender interface {
	Send(ctx context.Context, recipient, text string) (int, error)
}

// MQTTConfig holds broker settings and topic names.
type MQTTConfig struct {
	Host     string
	Port     int
	User     string
	Secret   string
	ClientID string

	SendTopic   string
	RecvTopic   string
	StatusTopic string
	StartTopic  string

	StatusInterval  time.Duration
	ConnectAttempts int
	Logger          *slog.Logger
}

func (c *MQTTConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.ClientID == "" {
		c.ClientID = "gsmbridge-" + uuid.NewString()[:8]
	}
	if c.SendTopic == "" {
		c.SendTopic = DefaultSendTopic
	}
	if c.RecvTopic == "" {
		c.RecvTopic = DefaultRecvTopic
	}
	if c.StatusTopic == "" {
		c.StatusTopic = DefaultStatusTopic
	}
	if c.StartTopic == "" {
		c.StartTopic = DefaultStartTopic
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = connectAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Broker returns the broker URL.
func (c MQTTConfig) Broker() string {
	return "tcp://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SendRequest is the payload accepted on the send topic.
type SendRequest struct {
	To   string `json:"to"`
	Text string `json:"txt"`
}

// Received is the payload published for every incoming message.
type Received struct {
	From string `json:"from"`
	Text string `json:"txt"`
}

// MQTT bridges send requests from the broker to the modem and publishes
// received messages and gateway status.
type MQTT struct {
	config MQTTConfig
	client Client
	logger *slog.Logger

	mu     sync.Mutex
	sender Sender

	connected atomic.Bool
	retry     *backoff.Backoff
	now       func() time.Time

	// ctx bounds send requests handled from broker callbacks.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTT builds a bridge on a paho client configured from config.
func NewMQTT(config MQTTConfig) *MQTT {
	b := AttachMQTT(nil, config)
	b.client = mqtt.NewClient(b.clientOptions())
	return b
}

// AttachMQTT builds a bridge on an existing client.
func AttachMQTT(client Client, config MQTTConfig) *MQTT {
	config.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTT{
		config: config,
		client: client,
		logger: config.Logger.With("component", "mqtt"),
		retry:  &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *MQTT) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.Broker())
	opts.SetClientID(b.config.ClientID)
	if b.config.User != "" {
		opts.SetUsername(b.config.User)
		opts.SetPassword(b.config.Secret)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { b.onConnectionLost(err) })
	opts.SetOnConnectHandler(func(mqtt.Client) { b.onConnect() })
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		b.logger.Info("Reconnecting to MQTT broker", "broker", b.config.Broker())
	})
	return opts
}

// Connect dials the broker, retrying with backoff up to ConnectAttempts
// times.
func (b *MQTT) Connect(ctx context.Context) error {
	b.logger.Info("Connecting to MQTT broker", "broker", b.config.Broker(), "client_id", b.config.ClientID)

	var err error
	for attempt := 1; attempt <= b.config.ConnectAttempts; attempt++ {
		token := b.client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			err = ErrConnectTimeout
		} else if err = token.Error(); err == nil {
			b.connected.Store(true)
			b.retry.Reset()
			return nil
		}

		b.logger.Warn("MQTT connect failed", "attempt", attempt, "error", err)
		if attempt == b.config.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retry.Duration()):
		}
	}
	return fmt.Errorf("connect to %s: %w", b.config.Broker(), err)
}

// Serve subscribes the send topic and routes requests to sender. The
// subscription is renewed on every reconnect.
func (b *MQTT) Serve(sender Sender) error {
	b.mu.Lock()
	b.sender = sender
	b.mu.Unlock()
	return b.subscribe()
}

func (b *MQTT) currentSender() Sender {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sender
}

func (b *MQTT) subscribe() error {
	b.logger.Info("Subscribing", "topic", b.config.SendTopic)
	token := b.client.Subscribe(b.config.SendTopic, 1, b.handleSend)
	if !token.WaitTimeout(connectTimeout) {
		return errSubscribeTimeout
	}
	return token.Error()
}

// onConnect runs on every (re)connect. Until Serve is called there is
// nothing to subscribe.
func (b *MQTT) onConnect() {
	b.connected.Store(true)
	b.logger.Info("Connected to MQTT broker", "broker", b.config.Broker())
	if b.currentSender() == nil {
		return
	}
	if err := b.subscribe(); err != nil {
		b.logger.Error("MQTT subscribe failed", "topic", b.config.SendTopic, "error", err)
	}
}

func (b *MQTT) onConnectionLost(err error) {
	b.connected.Store(false)
	b.logger.Error("MQTT connection lost", "error", err)
}

// Connected reports whether the broker link is up.
func (b *MQTT) Connected() bool {
	return b.connected.Load()
}

func (b *MQTT) handleSend(_ mqtt.Client, msg mqtt.Message) {
	logger := b.logger.With("request_id", uuid.NewString(), "topic", msg.Topic())
	logger.Debug("Send request payload", "payload", string(msg.Payload()))

	var req SendRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		logger.Error("Invalid JSON in send request", "error", err)
		return
	}
	if req.To == "" || req.Text == "" {
		logger.Error("Send request requires both 'to' and 'txt'")
		return
	}
	logger.Info("Send request received", "to", req.To, "text", preview(req.Text))

	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()

	ref, err := b.currentSender().Send(ctx, req.To, req.Text)
	if err != nil {
		if errors.Is(err, modem.ErrSendUnconfirmed) {
			logger.Error("SMS may have been sent, no confirmation from modem", "to", req.To, "error", err)
			return
		}
		logger.Error("Failed to send SMS", "to", req.To, "error", err)
		return
	}
	logger.Info("SMS sent", "to", req.To, "reference", ref)
}

// Deliver publishes a received message on the receive topic. It
// implements poller.Deliverer.
func (b *MQTT) Deliver(ctx context.Context, sms modem.SMS) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(Received{From: sms.Sender, Text: sms.Text})
	if err != nil {
		return err
	}
	if err := b.publish(ctx, b.config.RecvTopic, 1, false, payload); err != nil {
		return fmt.Errorf("publish received message: %w", err)
	}
	b.logger.Info("Received SMS published", "from", sms.Sender, "index", sms.Index, "topic", b.config.RecvTopic)
	return nil
}

// PublishStatus publishes status on the status topic.
func (b *MQTT) PublishStatus(ctx context.Context, status Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return b.publish(ctx, b.config.StatusTopic, 0, false, payload)
}

// PublishStartTime publishes the gateway start time as a retained message.
func (b *MQTT) PublishStartTime(ctx context.Context, start time.Time) error {
	return b.publish(ctx, b.config.StartTopic, 0, true, start.Format(time.RFC3339))
}

func (b *MQTT) publish(ctx context.Context, topic string, qos byte, retained bool, payload any) error {
	token := b.client.Publish(topic, qos, retained, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}

// Run publishes the initial status and start time, then a status report
// every StatusInterval. It returns ErrDisconnected when the broker link is
// still down at a report, and nil once ctx is done.
func (b *MQTT) Run(ctx context.Context, reporter *Reporter) error {
	b.reportStatus(ctx, reporter)
	if err := b.PublishStartTime(ctx, b.now()); err != nil {
		b.logger.Error("Failed to publish start time", "error", err)
	}

	ticker := time.NewTicker(b.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !b.Connected() {
			b.logger.Error("MQTT connection lost, stopping")
			return ErrDisconnected
		}
		b.reportStatus(ctx, reporter)
	}
}

func (b *MQTT) reportStatus(ctx context.Context, reporter *Reporter) {
	if reporter == nil {
		return
	}
	status := reporter.Snapshot(ctx)
	if err := b.PublishStatus(ctx, status); err != nil {
		b.logger.Error("Failed to publish status", "error", err)
		return
	}
	b.logger.Info("Status published", "topic", b.config.StatusTopic, "gsm", status.GSM, "signal", status.Signal)
}

// Close cancels in-flight send requests and disconnects from the broker.
func (b *MQTT) Close() {
	b.cancel()
	b.connected.Store(false)
	b.client.Disconnect(500)
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLength {
		return text
	}
	return string(r[:previewLength]) + "..."
}
