// Command uartctl lists, monitors, writes to and bridges serial ports.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: uartctl <command> [flags]

commands:
  list      list serial ports
  monitor   print bytes received on a port
  send      write bytes to a port
  bridge    serve a port over WebSocket (-config file)
  virtual   create a pseudo-terminal that echoes everything written to it
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "list":
		err = runList(args)
	case "monitor":
		err = runMonitor(args)
	case "send":
		err = runSend(args)
	case "bridge":
		err = runBridge(args)
	case "virtual":
		err = runVirtual(args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "uartctl: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "uartctl: %v\n", err)
		os.Exit(1)
	}
}
