package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/amenzhinsky/iothubcore/cmd/internal"
	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/config"
	"github.com/amenzhinsky/iothubcore/credentials"
	"github.com/amenzhinsky/iothubcore/iotdevice"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport/amqp"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport/http"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport/mqtt"
	"github.com/amenzhinsky/iothubcore/iotutil"
	"golang.org/x/sync/errgroup"
)

// globally accessible by command handlers
var (
	// common
	configFlag    string
	debugFlag     bool
	compressFlag  bool
	transportFlag string
	edgeFlag      bool
	formatFlag    = internal.NewChoiceFlag("json", "text")

	// send
	propsFlag  internal.StringsMapFlag
	outputFlag string
	midFlag    string
	cidFlag    string
	ctFlag     string
	ceFlag     string

	// watch-messages
	rejectFlag bool
)

func main() {
	if err := run(); err != nil {
		if err != internal.ErrInvalidUsage {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

const help = `Helps with interacting with the cloud as a device or a module.
The $DEVICE_CONNECTION_STRING environment variable or device.connection_string
configuration value is required for authentication.`

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return internal.Run(ctx, help, []*internal.Command{
		{
			Name:    "send",
			Alias:   "s",
			Help:    "PAYLOAD [[key value]...]",
			Desc:    "send a message to the cloud (D2C)",
			Handler: withSession(send),
			ParseFunc: func(f *flag.FlagSet) {
				f.Var(&propsFlag, "prop", "message property key=value, can be repeated")
				f.StringVar(&outputFlag, "output", "", "send to the named module output")
				f.StringVar(&midFlag, "mid", "", "identifier for the message")
				f.StringVar(&cidFlag, "cid", "", "message identifier in a request-reply")
				f.StringVar(&ctFlag, "ct", "", "content type of the payload")
				f.StringVar(&ceFlag, "ce", "", "content encoding of the payload")
			},
		},
		{
			Name:    "watch-messages",
			Alias:   "wm",
			Desc:    "subscribe to messages sent from the cloud (C2D)",
			Handler: withSession(watchMessages),
			ParseFunc: func(f *flag.FlagSet) {
				f.BoolVar(&rejectFlag, "reject", false, "reject messages instead of completing them")
			},
		},
		{
			Name:    "watch-twin",
			Alias:   "wt",
			Desc:    "subscribe to desired twin state updates",
			Handler: withSession(watchTwin),
		},
		{
			Name:    "watch-methods",
			Alias:   "wd",
			Desc:    "handle direct methods echoing their payloads",
			Handler: withSession(watchMethods),
		},
		{
			Name:    "report",
			Alias:   "r",
			Help:    "PATCH",
			Desc:    "update the reported twin state",
			Handler: withSession(report),
		},
		{
			Name:    "upload",
			Alias:   "u",
			Help:    "NAME FILE",
			Desc:    "upload the named file to the linked storage account",
			Handler: withSession(upload),
		},
		{
			Name:    "watch",
			Alias:   "w",
			Desc:    "watch messages, twin updates, methods and connection changes",
			Handler: withSession(watch),
			ParseFunc: func(f *flag.FlagSet) {
				f.BoolVar(&rejectFlag, "reject", false, "reject messages instead of completing them")
			},
		},
	}, os.Args, func(f *flag.FlagSet) {
		f.StringVar(&configFlag, "config", "", "path to a yaml configuration file")
		f.BoolVar(&debugFlag, "debug", debugFlag, "enable debug mode")
		f.BoolVar(&compressFlag, "compress", false, "compress data (remove JSON indentations)")
		f.StringVar(&transportFlag, "transport", "", "transport to use (mqtt, amqp, http), configuration value when empty")
		f.Var(formatFlag, "format", "output format of watch commands (json, text)")
		f.BoolVar(&edgeFlag, "edge", false, "authenticate as an IoT Edge module using the container environment")
	})
}

func newTransport(cfg *config.Config, logger common.Logger) (transport.Driver, error) {
	name := cfg.Device.Transport
	if transportFlag != "" {
		name = transportFlag
	}
	switch name {
	case "mqtt":
		return mqtt.New(mqtt.WithLogger(logger), mqtt.WithWebSocket(cfg.Device.WebSocket)), nil
	case "amqp":
		return amqp.New(amqp.WithLogger(logger), amqp.WithWebSocket(cfg.Device.WebSocket)), nil
	case "http":
		if cfg.Device.WebSocket {
			return nil, errors.New("http transport cannot be used over websocket")
		}
		return http.New(http.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func withSession(fn func(context.Context, *flag.FlagSet, *iotdevice.Session) error) internal.HandlerFunc {
	return func(ctx context.Context, f *flag.FlagSet) error {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		if cfg.Device.ConnectionString == "" && !edgeFlag {
			return errors.New("device connection string is not configured")
		}

		lvl := cfg.LogLevel()
		if debugFlag {
			lvl = common.LevelDebug
		}
		logger := common.NewLogger("iotdevice", lvl, func(v ...interface{}) {
			fmt.Fprintln(os.Stderr, v...)
		})
		tr, err := newTransport(cfg, logger)
		if err != nil {
			return err
		}

		opts := []iotdevice.ClientOption{
			iotdevice.WithLogger(logger),
			iotdevice.WithRetryPolicy(cfg.RetryPolicy()),
		}
		if cfg.Device.ConnectTimeout > 0 {
			opts = append(opts, iotdevice.WithConnectTimeout(cfg.Device.ConnectTimeout))
		}
		for k, v := range cfg.Device.Options {
			opts = append(opts, iotdevice.WithOption(k, v))
		}

		s, err := newSession(ctx, tr, cfg.Device.ConnectionString, opts)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, f, s)
	}
}

func newSession(ctx context.Context, tr transport.Driver, cs string, opts []iotdevice.ClientOption) (*iotdevice.Session, error) {
	if edgeFlag {
		return iotdevice.NewModuleFromEnvironment(ctx, tr, opts...)
	}
	creds, err := credentials.ParseConnectionString(cs)
	if err != nil {
		return nil, err
	}
	if creds.ModuleID != "" {
		return iotdevice.NewModuleFromConnectionString(ctx, tr, cs, opts...)
	}
	return iotdevice.NewFromConnectionString(ctx, tr, cs, opts...)
}

func send(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() < 1 {
		return internal.ErrInvalidUsage
	}
	props, err := internal.ArgsToMap(f.Args()[1:])
	if err != nil {
		return err
	}
	msg, err := common.NewMessageFromString(f.Arg(0))
	if err != nil {
		return err
	}
	defer msg.Destroy()
	for k, v := range propsFlag {
		props[k] = v
	}
	for k, v := range props {
		if err = msg.Properties().AddOrUpdate(k, v); err != nil {
			return err
		}
	}
	for _, set := range []struct {
		fn func(string) error
		v  string
	}{
		{msg.SetMessageID, midFlag},
		{msg.SetCorrelationID, cidFlag},
		{msg.SetContentType, ctFlag},
		{msg.SetContentEncoding, ceFlag},
	} {
		if set.v == "" {
			continue
		}
		if err = set.fn(set.v); err != nil {
			return err
		}
	}

	done := make(chan iotdevice.ConfirmationResult, 1)
	cb := func(_ *common.Message, r iotdevice.ConfirmationResult, _ interface{}) {
		done <- r
	}
	if outputFlag != "" {
		err = s.SendEventToOutputAsync(outputFlag, msg, cb, nil)
	} else {
		err = s.SendEventAsync(msg, cb, nil)
	}
	if err != nil {
		return err
	}
	select {
	case r := <-done:
		if r != iotdevice.ConfirmationOK {
			return fmt.Errorf("send failed: %s", r)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// event is a single line of the watch output.
type event struct {
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Name       string            `json:"name,omitempty"`
	Payload    string            `json:"payload,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Status     string            `json:"status,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

func output(ev *event) error {
	if formatFlag.String() != "text" {
		return internal.OutputJSON(ev, compressFlag)
	}
	b := &strings.Builder{}
	b.WriteString(ev.Time.Format(time.RFC3339) + " " + ev.Type)
	for _, s := range []string{ev.Name, ev.Status, ev.Reason} {
		if s != "" {
			b.WriteString(" " + s)
		}
	}
	if ev.Payload != "" {
		b.WriteString(" " + iotutil.FormatPayload([]byte(ev.Payload)))
	}
	if len(ev.Properties) != 0 {
		b.WriteString(" [" + iotutil.FormatPropertiesShort(ev.Properties) + "]")
	}
	return internal.OutputLine(b.String())
}

func messageEvent(msg *common.Message) *event {
	return &event{
		Type:       "message",
		Time:       time.Now(),
		Name:       msg.InputName(),
		Payload:    string(msg.Payload()),
		Properties: msg.Properties().Snapshot(),
	}
}

func disposition() transport.Disposition {
	if rejectFlag {
		return transport.DispositionRejected
	}
	return transport.DispositionAccepted
}

func watchMessages(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	if err := s.SetMessageCallback(func(msg *common.Message, _ interface{}) transport.Disposition {
		if err := output(messageEvent(msg)); err != nil {
			return transport.DispositionAbandoned
		}
		return disposition()
	}, nil); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func watchTwin(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	if err := s.SetTwinCallback(func(_ iotdevice.TwinUpdateState, payload []byte, _ interface{}) {
		_ = internal.OutputRawJSON(payload, compressFlag)
	}, nil); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func echo(_ string, payload []byte, _ interface{}) (int, []byte) {
	return 200, payload
}

func watchMethods(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	if err := s.SetMethodCallback(func(name string, payload []byte, uc interface{}) (int, []byte) {
		_ = output(&event{
			Type:    "method",
			Time:    time.Now(),
			Name:    name,
			Payload: string(payload),
		})
		return echo(name, payload, uc)
	}, nil); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func report(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	done := make(chan int, 1)
	if err := s.SendReportedState([]byte(f.Arg(0)), func(status int, _ interface{}) {
		done <- status
	}, nil); err != nil {
		return err
	}
	select {
	case status := <-done:
		if status < 200 || status >= 300 {
			return fmt.Errorf("reported state update failed with status %d", status)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func upload(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() != 2 {
		return internal.ErrInvalidUsage
	}
	b, err := os.ReadFile(f.Arg(1))
	if err != nil {
		return err
	}
	done := make(chan iotdevice.FileUploadResult, 1)
	if err = s.UploadToBlobAsync(f.Arg(0), b, func(r iotdevice.FileUploadResult, _ interface{}) {
		done <- r
	}, nil); err != nil {
		return err
	}
	select {
	case r := <-done:
		if r != iotdevice.FileUploadOK {
			return fmt.Errorf("upload failed: %s", r)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminal reports whether the session gave up reconnecting.
func terminal(r transport.Reason) bool {
	switch r {
	case transport.ReasonRetryExpired,
		transport.ReasonBadCredential,
		transport.ReasonExpiredSASToken,
		transport.ReasonDeviceDisabled:
		return true
	}
	return false
}

func watch(ctx context.Context, f *flag.FlagSet, s *iotdevice.Session) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}

	// callbacks never block the session dispatcher
	evc := make(chan *event, 64)
	emit := func(ev *event) {
		select {
		case evc <- ev:
		default:
		}
	}
	type change struct {
		status iotdevice.ConnectionStatus
		reason transport.Reason
	}
	stc := make(chan change, 8)

	if err := s.SetConnectionStatusCallback(func(status iotdevice.ConnectionStatus, reason transport.Reason, _ interface{}) {
		select {
		case stc <- change{status, reason}:
		default:
		}
	}, nil); err != nil {
		return err
	}
	if err := s.SetMessageCallback(func(msg *common.Message, _ interface{}) transport.Disposition {
		emit(messageEvent(msg))
		return disposition()
	}, nil); err != nil {
		return err
	}
	if err := s.SetTwinCallback(func(state iotdevice.TwinUpdateState, payload []byte, _ interface{}) {
		emit(&event{Type: "twin", Time: time.Now(), Name: state.String(), Payload: string(payload)})
	}, nil); err != nil {
		return err
	}
	if err := s.SetMethodCallback(func(name string, payload []byte, uc interface{}) (int, []byte) {
		emit(&event{Type: "method", Time: time.Now(), Name: name, Payload: string(payload)})
		return echo(name, payload, uc)
	}, nil); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case ev := <-evc:
				if err := output(ev); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case c := <-stc:
				emit(&event{
					Type:   "connection",
					Time:   time.Now(),
					Status: c.status.String(),
					Reason: c.reason.String(),
				})
				if terminal(c.reason) {
					return fmt.Errorf("connection lost: %s", c.reason)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}
