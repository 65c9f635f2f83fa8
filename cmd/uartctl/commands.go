package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	serial "github.com/luhtfiimanal/go-serial-session"
	"github.com/luhtfiimanal/go-serial-session/internal/bridge"
	"github.com/luhtfiimanal/go-serial-session/internal/config"
)

// portFlags are shared by the commands that open a port directly.
type portFlags struct {
	port      string
	mode      string
	transport string
	logLevel  string
}

func (p *portFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.port, "port", "", "serial device, e.g. /dev/ttyUSB0 or COM3")
	fs.StringVar(&p.mode, "mode", serial.DefaultConfig().String(), "line settings: baud,databits,parity,stopbits")
	fs.StringVar(&p.transport, "transport", "default", "transport: default | unix | bugst")
	fs.StringVar(&p.logLevel, "log-level", "info", "log level: debug | info | warn | error | off")
}

// open builds a registry and a connected session from the flags.
func (p *portFlags) open() (*serial.Registry, serial.Handle, error) {
	if p.port == "" {
		return nil, serial.InvalidHandle, errors.New("-port is required")
	}
	cfg, err := serial.ParseConfig(p.mode)
	if err != nil {
		return nil, serial.InvalidHandle, err
	}
	t, err := serial.LookupTransport(p.transport)
	if err != nil {
		return nil, serial.InvalidHandle, err
	}
	reg := serial.NewRegistry(
		serial.WithTransport(t),
		serial.WithLogger(newLogger(os.Stderr, p.logLevel)),
	)
	h, err := reg.Init(p.port, cfg)
	if err != nil {
		return nil, serial.InvalidHandle, err
	}
	if err := reg.Connect(h); err != nil {
		reg.Close()
		return nil, serial.InvalidHandle, err
	}
	return reg, h, nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	transport := fs.String("transport", "default", "transport: default | unix | bugst")
	fs.Parse(args)

	t, err := serial.LookupTransport(*transport)
	if err != nil {
		return err
	}
	reg := serial.NewRegistry(serial.WithTransport(t))
	ports, err := reg.Ports()
	if err != nil {
		return err
	}
	return printPorts(os.Stdout, ports)
}

func printPorts(w io.Writer, ports []serial.PortInfo) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "no serial ports found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tDESCRIPTION\tSERIAL")
	for _, p := range ports {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.FriendlyName, p.SerialNumber)
	}
	return tw.Flush()
}

// chunkPrinter writes received chunks to w, either raw or as hex lines.
type chunkPrinter struct {
	mu  sync.Mutex
	w   io.Writer
	hex bool
}

func (p *chunkPrinter) print(_ serial.Handle, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hex {
		fmt.Fprint(p.w, hex.Dump(data))
		return
	}
	p.w.Write(data)
}

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	var pf portFlags
	pf.register(fs)
	asHex := fs.Bool("hex", false, "print a hex dump of each chunk")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	fs.Parse(args)

	reg, h, err := pf.open()
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	printer := &chunkPrinter{w: os.Stdout, hex: *asHex}
	if err := reg.Start(h, printer.print); err != nil {
		return err
	}
	<-ctx.Done()
	return reg.Stop(h)
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var pf portFlags
	pf.register(fs)
	data := fs.String("data", "", "text to send")
	hexData := fs.String("hex", "", "bytes to send, hex encoded")
	newline := fs.String("newline", "", "appended to -data, e.g. \"\\r\\n\"")
	timeout := fs.Duration("timeout", 500*time.Millisecond, "write timeout")
	wait := fs.Duration("wait", 0, "print any reply received within this long")
	fs.Parse(args)

	payload, err := buildPayload(*data, *hexData, *newline)
	if err != nil {
		return err
	}
	reg, h, err := pf.open()
	if err != nil {
		return err
	}
	defer reg.Close()

	n, err := reg.Write(h, payload, *timeout)
	if err != nil {
		return err
	}
	if n < len(payload) {
		return fmt.Errorf("wrote %d of %d bytes before timeout", n, len(payload))
	}
	if *wait <= 0 {
		return nil
	}

	buf := make([]byte, 256)
	deadline := time.Now().Add(*wait)
	for remaining := *wait; remaining > 0; remaining = time.Until(deadline) {
		n, err := reg.Read(h, buf, remaining)
		if err != nil {
			return err
		}
		os.Stdout.Write(buf[:n])
	}
	return nil
}

func buildPayload(text, hexText, newline string) ([]byte, error) {
	switch {
	case text != "" && hexText != "":
		return nil, errors.New("use either -data or -hex, not both")
	case hexText != "":
		b, err := hex.DecodeString(hexText)
		if err != nil {
			return nil, fmt.Errorf("decode -hex: %w", err)
		}
		return b, nil
	case text != "":
		return []byte(text + unescape(newline)), nil
	default:
		return nil, errors.New("nothing to send: set -data or -hex")
	}
}

// unescape expands \r and \n so line endings can be typed on a shell.
func unescape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'r':
				out = append(out, '\r')
				i++
				continue
			case 'n':
				out = append(out, '\n')
				i++
				continue
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}

func runBridge(args []string) error {
	fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	path := fs.String("config", "uartctl.toml", "config file (.toml or .yaml)")
	fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg.LogLevel)
	opts, err := cfg.RegistryOptions()
	if err != nil {
		return err
	}
	reg := serial.NewRegistry(append(opts, serial.WithLogger(log))...)
	defer reg.Close()

	h, err := reg.Init(cfg.Port, cfg.Serial)
	if err != nil {
		return err
	}
	if err := reg.Connect(h); err != nil {
		return err
	}
	srv, err := bridge.New(reg, h, bridge.Options{
		WriteTimeout:   cfg.WriteTimeout,
		SendQueue:      cfg.Bridge.SendQueue,
		AllowedOrigins: cfg.Bridge.AllowedOrigins,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()
	if err := reg.Start(h, func(_ serial.Handle, data []byte) {
		log.Trace().Int("bytes", len(data)).Msg("received")
	}); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Bridge.Path, srv)
	httpSrv := &http.Server{Addr: cfg.Bridge.Listen, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Bridge.Listen).Str("path", cfg.Bridge.Path).Str("port", cfg.Port).Msg("bridge serving")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	srv.Close()
	return httpSrv.Shutdown(shutdownCtx)
}
