//go:build !linux

package serial

func defaultTransport() Transport { return BugstTransport{} }

func platformTransport(string) (Transport, bool) { return nil, false }
