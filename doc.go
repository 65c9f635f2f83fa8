// Package serial manages the lifecycle of serial-line (UART) sessions on top
// of a pluggable transport.
//
// A Registry maps opaque Handles to sessions. Each session moves through a
// fixed set of states:
//
//	Initialized -> Connected -> Started <-> Stopped -> Disconnected -> (Deinit)
//
// and every operation is gated on the current state. Starting a session
// launches one background read worker that pulls bytes from the port and
// hands them to the registered callbacks, without blocking the caller.
// Stop and Deinit always join the worker before the port is closed.
//
// Features:
//   - Explicit Registry object, safe for concurrent use, no global state
//   - One read worker per started session, with cooperative cancellation
//   - Raw termios transport on Linux with poll-based timeouts
//   - Cross-platform transport via go.bug.st/serial, plus port enumeration
//   - In-memory Loopback transport for tests and demos
//   - PTY-based tests for reliability
//
// Timeouts: a Read or Write waits at most the given duration. Zero means
// "return with whatever is possible right now". Running out of time is a
// success reporting the bytes transferred so far.
//
// Example usage:
//
//	reg := serial.NewRegistry()
//	defer reg.Close()
//
//	h, err := reg.Init("/dev/ttyUSB0", serial.Config{
//	    BaudRate: 9600,
//	    DataBits: 8,
//	    Parity:   serial.ParityNone,
//	    StopBits: serial.StopBitsOne,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := reg.Connect(h); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Receive bytes in the background
//	err = reg.Start(h, func(h serial.Handle, data []byte) {
//	    fmt.Printf("received % x\n", data)
//	})
//
//	// Write a command
//	if _, err := reg.Write(h, []byte("C,START\r\n"), 100*time.Millisecond); err != nil {
//	    log.Println("Write failed:", err)
//	}
//
//	// ... later
//	reg.Stop(h)
//	reg.Disconnect(h)
//	reg.Deinit(h)
package serial
