package serial

func defaultTransport() Transport { return UnixTransport{} }

func platformTransport(name string) (Transport, bool) {
	if name == "unix" {
		return UnixTransport{}, true
	}
	return nil, false
}
