package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

func runVirtual(args []string) error {
	fs := flag.NewFlagSet("virtual", flag.ExitOnError)
	logLevel := fs.String("log-level", "info", "log level: debug | info | warn | error | off")
	fs.Parse(args)
	log := newLogger(os.Stderr, *logLevel)

	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer slave.Close()

	fmt.Println(slave.Name())
	log.Info().Str("device", slave.Name()).Msg("virtual echo device ready")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		master.Close()
	}()
	err = echo(master, log)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// echo writes everything read from rw back to it until reading fails.
func echo(rw io.ReadWriter, log zerolog.Logger) error {
	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			log.Debug().Int("bytes", n).Msg("echo")
			if _, werr := rw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
