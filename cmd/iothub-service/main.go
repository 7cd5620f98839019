package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/amenzhinsky/iothubcore/cmd/internal"
	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/config"
	"github.com/amenzhinsky/iothubcore/iotservice"
	"golang.org/x/sync/errgroup"
)

// globally accessible by command handlers
var (
	// common
	configFlag   string
	debugFlag    bool
	compressFlag bool
	insecureFlag bool

	// send
	moduleFlag string
	uidFlag    string
	midFlag    string
	cidFlag    string
	expFlag    time.Duration
	ackFlag    = internal.NewChoiceFlag("", "none", "positive", "negative", "full")

	// call
	timeoutFlag time.Duration

	// devices
	maxFlag int

	// create/update device
	primaryKeyFlag          string
	secondaryKeyFlag        string
	primaryThumbprintFlag   string
	secondaryThumbprintFlag string
	caFlag                  bool

	// sas and connection string
	secondaryFlag bool
	durationFlag  time.Duration
)

func main() {
	if err := run(); err != nil {
		if err != internal.ErrInvalidUsage {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

const help = `Helps with interacting and managing your iothub devices.
The $IOTHUB_SERVICE_CONNECTION_STRING environment variable or service.connection_string
configuration value is required for authentication.`

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return internal.Run(ctx, help, []*internal.Command{
		{
			Name:    "send",
			Alias:   "s",
			Help:    "DEVICE PAYLOAD [[key value]...]",
			Desc:    "send a message to the named device (C2D)",
			Handler: withMessaging(send),
			ParseFunc: func(f *flag.FlagSet) {
				f.StringVar(&moduleFlag, "module", "", "send to the named module")
				f.Var(ackFlag, "ack", "type of ack feedback (none, positive, negative, full)")
				f.StringVar(&uidFlag, "uid", "", "origin of the message")
				f.StringVar(&midFlag, "mid", "", "identifier for the message")
				f.StringVar(&cidFlag, "cid", "", "message identifier in a request-reply")
				f.DurationVar(&expFlag, "exp", 0, "message lifetime")
			},
		},
		{
			Name:    "watch-feedback",
			Alias:   "wf",
			Desc:    "monitor message feedback send by devices",
			Handler: withMessaging(watchFeedback),
		},
		{
			Name:    "call",
			Alias:   "c",
			Help:    "DEVICE METHOD [PAYLOAD]",
			Desc:    "call a direct method on a device or module",
			Handler: withMethod(call),
			ParseFunc: func(f *flag.FlagSet) {
				f.StringVar(&moduleFlag, "module", "", "call the named module")
				f.DurationVar(&timeoutFlag, "timeout", 0, "response timeout, configuration value when zero")
			},
		},
		{
			Name:    "device",
			Alias:   "d",
			Help:    "DEVICE",
			Desc:    "get device information",
			Handler: withRegistry(device),
		},
		{
			Name:    "devices",
			Alias:   "ds",
			Desc:    "list registered devices",
			Handler: withRegistry(devices),
			ParseFunc: func(f *flag.FlagSet) {
				f.IntVar(&maxFlag, "max", 0, "maximum number of devices, zero lists all")
			},
		},
		{
			Name:      "create-device",
			Alias:     "cd",
			Help:      "DEVICE",
			Desc:      "creates a new device",
			Handler:   withRegistry(createDevice),
			ParseFunc: authFlags,
		},
		{
			Name:      "update-device",
			Alias:     "ud",
			Help:      "DEVICE",
			Desc:      "updates the named device",
			Handler:   withRegistry(updateDevice),
			ParseFunc: authFlags,
		},
		{
			Name:    "delete-device",
			Alias:   "dd",
			Help:    "DEVICE",
			Desc:    "delete the named device",
			Handler: withRegistry(deleteDevice),
		},
		{
			Name:    "modules",
			Alias:   "ms",
			Help:    "DEVICE",
			Desc:    "list modules of the named device",
			Handler: withRegistry(modules),
		},
		{
			Name:      "create-module",
			Alias:     "cm",
			Help:      "DEVICE MODULE",
			Desc:      "creates a new module",
			Handler:   withRegistry(createModule),
			ParseFunc: authFlags,
		},
		{
			Name:    "delete-module",
			Alias:   "dm",
			Help:    "DEVICE MODULE",
			Desc:    "delete the named module",
			Handler: withRegistry(deleteModule),
		},
		{
			Name:    "query",
			Alias:   "q",
			Help:    "QUERY",
			Desc:    "run a registry query",
			Handler: withRegistry(query),
		},
		{
			Name:    "stats",
			Alias:   "st",
			Desc:    "get statistics about the devices",
			Handler: withRegistry(stats),
		},
		{
			Name:    "configurations",
			Alias:   "cfgs",
			Desc:    "list configurations",
			Handler: withRegistry(configurations),
		},
		{
			Name:    "jobs",
			Alias:   "js",
			Desc:    "list the last import/export jobs",
			Handler: withRegistry(jobs),
		},
		{
			Name:    "cancel-job",
			Alias:   "cj",
			Help:    "ID",
			Desc:    "cancel a import/export job",
			Handler: withRegistry(cancelJob),
		},
		{
			Name:    "twin",
			Alias:   "t",
			Help:    "DEVICE...",
			Desc:    "inspect twins of the named devices",
			Handler: withTwin(twin),
			ParseFunc: func(f *flag.FlagSet) {
				f.StringVar(&moduleFlag, "module", "", "inspect module twins instead")
			},
		},
		{
			Name:    "update-twin",
			Alias:   "ut",
			Help:    "DEVICE [key=value]...",
			Desc:    "update desired properties of the named twin",
			Handler: withTwin(updateTwin),
			ParseFunc: func(f *flag.FlagSet) {
				f.StringVar(&moduleFlag, "module", "", "update the module twin instead")
			},
		},
		{
			Name:    "connection-string",
			Alias:   "cs",
			Help:    "DEVICE",
			Desc:    "get a device's connection string",
			Handler: withRegistry(connectionString),
			ParseFunc: func(f *flag.FlagSet) {
				f.BoolVar(&secondaryFlag, "secondary", false, "use the secondary key instead")
			},
		},
		{
			Name:    "access-signature",
			Alias:   "sas",
			Help:    "DEVICE",
			Desc:    "generate a device sas token",
			Handler: withRegistry(sas),
			ParseFunc: func(f *flag.FlagSet) {
				f.DurationVar(&durationFlag, "duration", time.Hour, "token validity time")
				f.BoolVar(&secondaryFlag, "secondary", false, "use the secondary key instead")
			},
		},
	}, os.Args, func(f *flag.FlagSet) {
		f.StringVar(&configFlag, "config", "", "path to a yaml configuration file")
		f.BoolVar(&debugFlag, "debug", debugFlag, "enable debug mode")
		f.BoolVar(&compressFlag, "compress", false, "compress data (remove JSON indentations)")
		f.BoolVar(&insecureFlag, "insecure", false, "skip tls verification")
	})
}

func authFlags(f *flag.FlagSet) {
	f.StringVar(&primaryKeyFlag, "primary-key", "", "primary key (base64)")
	f.StringVar(&secondaryKeyFlag, "secondary-key", "", "secondary key (base64)")
	f.StringVar(&primaryThumbprintFlag, "primary-thumbprint", "", "x509 primary thumbprint")
	f.StringVar(&secondaryThumbprintFlag, "secondary-thumbprint", "", "x509 secondary thumbprint")
	f.BoolVar(&caFlag, "ca", false, "use certificate authority authentication")
}

// setup loads configuration and the shared service auth.
func setup() (*config.Config, *iotservice.Auth, []iotservice.ClientOption, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Service.ConnectionString == "" {
		return nil, nil, nil, errors.New("service connection string is not configured")
	}
	auth, err := iotservice.NewAuth(cfg.Service.ConnectionString)
	if err != nil {
		return nil, nil, nil, err
	}

	lvl := cfg.LogLevel()
	if debugFlag {
		lvl = common.LevelDebug
	}
	opts := []iotservice.ClientOption{
		iotservice.WithLogger(common.NewLogger("iotservice", lvl, func(v ...interface{}) {
			fmt.Fprintln(os.Stderr, v...)
		})),
		iotservice.WithWebSocket(cfg.Service.WebSocket),
		iotservice.WithCircuitBreaker(cfg.Service.BreakerFailures, cfg.Service.BreakerTimeout),
	}
	if insecureFlag {
		opts = append(opts, iotservice.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	return cfg, auth, opts, nil
}

func withRegistry(fn func(context.Context, *flag.FlagSet, *iotservice.RegistryManager) error) internal.HandlerFunc {
	return func(ctx context.Context, f *flag.FlagSet) error {
		_, auth, opts, err := setup()
		if err != nil {
			return err
		}
		defer auth.Release()
		c, err := iotservice.NewRegistryManager(auth, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, f, c)
	}
}

func withTwin(fn func(context.Context, *flag.FlagSet, *iotservice.DeviceTwin) error) internal.HandlerFunc {
	return func(ctx context.Context, f *flag.FlagSet) error {
		_, auth, opts, err := setup()
		if err != nil {
			return err
		}
		defer auth.Release()
		c, err := iotservice.NewDeviceTwin(auth, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, f, c)
	}
}

func withMethod(fn func(context.Context, *flag.FlagSet, *iotservice.DeviceMethod, *config.Config) error) internal.HandlerFunc {
	return func(ctx context.Context, f *flag.FlagSet) error {
		cfg, auth, opts, err := setup()
		if err != nil {
			return err
		}
		defer auth.Release()
		c, err := iotservice.NewDeviceMethod(auth, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, f, c, cfg)
	}
}

func withMessaging(fn func(context.Context, *flag.FlagSet, *iotservice.Messaging) error) internal.HandlerFunc {
	return func(ctx context.Context, f *flag.FlagSet) error {
		_, auth, opts, err := setup()
		if err != nil {
			return err
		}
		defer auth.Release()
		c, err := iotservice.NewMessaging(auth, opts...)
		if err != nil {
			return err
		}
		defer c.Close()

		errc := make(chan error, 1)
		if err = c.Open(ctx, func(err error) { errc <- err }); err != nil {
			return err
		}
		select {
		case err = <-errc:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		return fn(ctx, f, c)
	}
}

func device(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	d, err := c.GetDevice(ctx, f.Arg(0))
	if err != nil {
		return err
	}
	return internal.OutputJSON(d, compressFlag)
}

func devices(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	d, err := c.ListDevices(ctx, maxFlag)
	if err != nil {
		return err
	}
	return internal.OutputJSON(d, compressFlag)
}

func createDevice(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	a, err := mkAuthentication()
	if err != nil {
		return err
	}
	d, err := c.CreateDevice(ctx, &iotservice.Device{
		DeviceID:       f.Arg(0),
		Authentication: a,
	})
	if err != nil {
		return err
	}
	return internal.OutputJSON(d, compressFlag)
}

func updateDevice(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	a, err := mkAuthentication()
	if err != nil {
		return err
	}
	d, err := c.UpdateDevice(ctx, &iotservice.Device{
		DeviceID:       f.Arg(0),
		Authentication: a,
	})
	if err != nil {
		return err
	}
	return internal.OutputJSON(d, compressFlag)
}

func mkAuthentication() (*iotservice.Authentication, error) {
	sas := primaryKeyFlag != "" || secondaryKeyFlag != ""
	x509 := primaryThumbprintFlag != "" || secondaryThumbprintFlag != ""
	if (sas && x509) || (sas && caFlag) || (x509 && caFlag) {
		return nil, errors.New("keys, thumbprints and -ca are mutually exclusive")
	}
	if x509 {
		return &iotservice.Authentication{
			Type: iotservice.AuthSelfSigned,
			X509Thumbprint: &iotservice.X509Thumbprint{
				PrimaryThumbprint:   primaryThumbprintFlag,
				SecondaryThumbprint: secondaryThumbprintFlag,
			},
		}, nil
	}
	if caFlag {
		return &iotservice.Authentication{
			Type: iotservice.AuthCA,
		}, nil
	}

	// auto-generate keys when no auth type is given
	var err error
	if primaryKeyFlag == "" {
		primaryKeyFlag, err = iotservice.NewSymmetricKey()
		if err != nil {
			return nil, err
		}
	}
	if secondaryKeyFlag == "" {
		secondaryKeyFlag, err = iotservice.NewSymmetricKey()
		if err != nil {
			return nil, err
		}
	}
	return &iotservice.Authentication{
		Type: iotservice.AuthSAS,
		SymmetricKey: &iotservice.SymmetricKey{
			PrimaryKey:   primaryKeyFlag,
			SecondaryKey: secondaryKeyFlag,
		},
	}, nil
}

func deleteDevice(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	return c.DeleteDevice(ctx, &iotservice.Device{DeviceID: f.Arg(0)})
}

func modules(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	m, err := c.ListModules(ctx, f.Arg(0))
	if err != nil {
		return err
	}
	return internal.OutputJSON(m, compressFlag)
}

func createModule(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 2 {
		return internal.ErrInvalidUsage
	}
	a, err := mkAuthentication()
	if err != nil {
		return err
	}
	m, err := c.CreateModule(ctx, &iotservice.Module{
		DeviceID:       f.Arg(0),
		ModuleID:       f.Arg(1),
		Authentication: a,
	})
	if err != nil {
		return err
	}
	return internal.OutputJSON(m, compressFlag)
}

func deleteModule(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 2 {
		return internal.ErrInvalidUsage
	}
	return c.DeleteModule(ctx, &iotservice.Module{DeviceID: f.Arg(0), ModuleID: f.Arg(1)})
}

func query(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	return c.Query(ctx, &iotservice.Query{Query: f.Arg(0)}, func(v map[string]interface{}) error {
		return internal.OutputJSON(v, compressFlag)
	})
}

func stats(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	s, err := c.Statistics(ctx)
	if err != nil {
		return err
	}
	return internal.OutputJSON(s, compressFlag)
}

func configurations(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	v, err := c.ListConfigurations(ctx)
	if err != nil {
		return err
	}
	return internal.OutputJSON(v, compressFlag)
}

func jobs(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	v, err := c.ListJobs(ctx)
	if err != nil {
		return err
	}
	return internal.OutputJSON(v, compressFlag)
}

func cancelJob(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	v, err := c.CancelJob(ctx, f.Arg(0))
	if err != nil {
		return err
	}
	return internal.OutputJSON(v, compressFlag)
}

// twin fetches twins of all the named devices concurrently,
// they are printed in the order of arguments.
func twin(ctx context.Context, f *flag.FlagSet, c *iotservice.DeviceTwin) error {
	if f.NArg() == 0 {
		return internal.ErrInvalidUsage
	}
	docs := make([][]byte, f.NArg())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range f.Args() {
		g.Go(func() error {
			var err error
			if moduleFlag != "" {
				docs[i], err = c.GetModuleTwin(ctx, id, moduleFlag)
			} else {
				docs[i], err = c.GetTwin(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, b := range docs {
		if err := internal.OutputRawJSON(b, compressFlag); err != nil {
			return err
		}
	}
	return nil
}

func updateTwin(ctx context.Context, f *flag.FlagSet, c *iotservice.DeviceTwin) error {
	if f.NArg() < 2 {
		return internal.ErrInvalidUsage
	}
	desired := internal.JSONMapFlag{}
	for _, kv := range f.Args()[1:] {
		if err := desired.Set(kv); err != nil {
			return err
		}
	}
	patch, err := json.Marshal(map[string]interface{}{
		"properties": map[string]interface{}{
			"desired": desired,
		},
	})
	if err != nil {
		return err
	}

	var b []byte
	if moduleFlag != "" {
		b, err = c.UpdateModuleTwin(ctx, f.Arg(0), moduleFlag, patch)
	} else {
		b, err = c.UpdateTwin(ctx, f.Arg(0), patch)
	}
	if err != nil {
		return err
	}
	return internal.OutputRawJSON(b, compressFlag)
}

func call(ctx context.Context, f *flag.FlagSet, c *iotservice.DeviceMethod, cfg *config.Config) error {
	if f.NArg() < 2 || f.NArg() > 3 {
		return internal.ErrInvalidUsage
	}
	var payload []byte
	if f.NArg() == 3 {
		payload = []byte(f.Arg(2))
	}
	timeout := timeoutFlag
	if timeout == 0 {
		timeout = cfg.Service.MethodTimeout
	}
	r, err := c.Invoke(ctx, f.Arg(0), moduleFlag, f.Arg(1), payload, timeout)
	if err != nil {
		return err
	}
	return internal.OutputJSON(r, compressFlag)
}

func send(ctx context.Context, f *flag.FlagSet, c *iotservice.Messaging) error {
	if f.NArg() < 2 {
		return internal.ErrInvalidUsage
	}

	msg, err := common.NewMessageFromString(f.Arg(1))
	if err != nil {
		return err
	}
	if f.NArg() > 2 {
		props, err := internal.ArgsToMap(f.Args()[2:])
		if err != nil {
			return err
		}
		for k, v := range props {
			if err = msg.Properties().AddOrUpdate(k, v); err != nil {
				return err
			}
		}
	}
	if ack := ackFlag.String(); ack != "" {
		if err = msg.Properties().AddOrUpdate("iothub-ack", ack); err != nil {
			return err
		}
	}
	if midFlag != "" {
		if err = msg.SetMessageID(midFlag); err != nil {
			return err
		}
	}
	if cidFlag != "" {
		if err = msg.SetCorrelationID(cidFlag); err != nil {
			return err
		}
	}
	msg.UserID = uidFlag
	if expFlag != 0 {
		msg.ExpiryTime = time.Now().Add(expFlag)
	}

	errc := make(chan error, 1)
	if err = c.SendAsync(ctx, f.Arg(0), moduleFlag, msg, func(err error) {
		errc <- err
	}); err != nil {
		return err
	}
	select {
	case err = <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func watchFeedback(ctx context.Context, f *flag.FlagSet, c *iotservice.Messaging) error {
	if f.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	errc := make(chan error, 1)
	if err := c.SetFeedbackCallback(func(b *iotservice.FeedbackBatch) {
		if err := internal.OutputJSON(b, compressFlag); err != nil {
			select {
			case errc <- err:
			default:
			}
		}
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

func connectionString(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	d, err := c.GetDevice(ctx, f.Arg(0))
	if err != nil {
		return err
	}
	cs, err := c.DeviceConnectionString(d, secondaryFlag)
	if err != nil {
		return err
	}
	return internal.OutputLine(cs)
}

func sas(ctx context.Context, f *flag.FlagSet, c *iotservice.RegistryManager) error {
	if f.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	d, err := c.GetDevice(ctx, f.Arg(0))
	if err != nil {
		return err
	}
	sas, err := c.DeviceSAS(d, durationFlag, secondaryFlag)
	if err != nil {
		return err
	}
	return internal.OutputLine(sas)
}
