// Package endpoint maps endpoint strings to connected transports.
//
// Supported forms:
//
//	tcp://host:port              host:port
//	udp://host:port[?bind=addr]
//	serial:///dev/ttyUSB0?baud=115200&timeout_ms=500&parity=none&flow=none
//	/dev/ttyUSB0                 COM3
//	ws://host:port/path          wss://host/path
//	sim://[?latency_ms=N&error_at=N&error=text&silent_after_halt=true]
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/thawkins/gcodekit6/pkg/transport"
)

var comPort = regexp.MustCompile(`(?i)^COM[0-9]+$`)

// Spec is a parsed endpoint
type Spec struct {
	Kind transport.Kind

	// Address is host:port for TCP and UDP, the full URL for WebSocket and
	// the device path for serial
	Address string

	// Bind is the local UDP address, empty for any
	Bind string

	// Serial holds line settings for serial endpoints
	Serial transport.SerialConfig

	// Timeout set by the endpoint itself (serial timeout_ms); zero if unset
	Timeout time.Duration

	Sim SimSpec
}

// SimSpec configures a sim:// device
type SimSpec struct {
	Latency         time.Duration
	ErrorAt         int // zero based line index to reject, -1 for none
	ErrorAck        string
	SilentAfterHalt bool
}

// String returns a normalised form of the endpoint
func (s Spec) String() string {
	switch s.Kind {
	case transport.KindTCP:
		return "tcp://" + s.Address
	case transport.KindUDP:
		if s.Bind != "" {
			return "udp://" + s.Address + "?bind=" + s.Bind
		}
		return "udp://" + s.Address
	case transport.KindSerial:
		return fmt.Sprintf("serial://%s?baud=%d", s.Address, s.Serial.BaudRate)
	case transport.KindWebSocket:
		return s.Address
	case transport.KindSim:
		return "sim://"
	default:
		return s.Address
	}
}

// Parse parses an endpoint string
func Parse(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("endpoint is empty")
	}

	scheme, rest, hasScheme := strings.Cut(raw, "://")
	if !hasScheme {
		return parseBare(raw)
	}

	switch strings.ToLower(scheme) {
	case "tcp":
		return parseTCP(rest)
	case "udp":
		return parseUDP(raw)
	case "serial":
		return parseSerialURL(raw)
	case "ws", "wss":
		return parseWebSocket(raw)
	case "sim":
		return parseSim(raw)
	default:
		return Spec{}, fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}
}

func parseBare(raw string) (Spec, error) {
	if strings.HasPrefix(raw, "/") || comPort.MatchString(strings.SplitN(raw, "?", 2)[0]) {
		path, query, _ := strings.Cut(raw, "?")
		values, err := url.ParseQuery(query)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid serial options %q: %w", query, err)
		}
		return serialSpec(path, values)
	}

	if strings.Contains(raw, ":") {
		return parseTCP(raw)
	}

	return Spec{}, fmt.Errorf("unrecognised endpoint %q (expected host:port, a device path or a URL)", raw)
}

func parseTCP(hostport string) (Spec, error) {
	if err := validateHostPort(hostport); err != nil {
		return Spec{}, fmt.Errorf("invalid TCP endpoint: %w", err)
	}
	return Spec{Kind: transport.KindTCP, Address: hostport}, nil
}

func parseUDP(raw string) (Spec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid UDP endpoint: %w", err)
	}
	if err := validateHostPort(u.Host); err != nil {
		return Spec{}, fmt.Errorf("invalid UDP endpoint: %w", err)
	}

	bind := u.Query().Get("bind")
	if bind != "" {
		if _, _, err := net.SplitHostPort(bind); err != nil {
			return Spec{}, fmt.Errorf("invalid UDP bind address %q: %w", bind, err)
		}
	}
	return Spec{Kind: transport.KindUDP, Address: u.Host, Bind: bind}, nil
}

func parseSerialURL(raw string) (Spec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid serial endpoint: %w", err)
	}

	// serial:///dev/ttyUSB0 carries the path; serial://COM3 carries a host
	path := u.Path
	if path == "" {
		path = u.Host
	} else if comPort.MatchString(strings.TrimPrefix(path, "/")) {
		path = strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return Spec{}, fmt.Errorf("serial endpoint %q has no device path", raw)
	}
	return serialSpec(path, u.Query())
}

func serialSpec(path string, q url.Values) (Spec, error) {
	spec := Spec{
		Kind:    transport.KindSerial,
		Address: path,
		Serial: transport.SerialConfig{
			Path:        path,
			BaudRate:    transport.DefaultBaudRate,
			Parity:      transport.ParityNone,
			FlowControl: transport.FlowNone,
		},
	}

	if v := q.Get("baud"); v != "" {
		baud, err := positiveInt("baud", v)
		if err != nil {
			return Spec{}, err
		}
		spec.Serial.BaudRate = baud
	}

	if v := q.Get("timeout_ms"); v != "" {
		ms, err := positiveInt("timeout_ms", v)
		if err != nil {
			return Spec{}, err
		}
		spec.Timeout = time.Duration(ms) * time.Millisecond
	}

	if v := q.Get("data_bits"); v != "" {
		bits, err := positiveInt("data_bits", v)
		if err != nil {
			return Spec{}, err
		}
		if bits < 5 || bits > 8 {
			return Spec{}, fmt.Errorf("data_bits must be between 5 and 8, got %d", bits)
		}
		spec.Serial.DataBits = bits
	}

	if v := q.Get("stop_bits"); v != "" {
		if v != "1" && v != "2" {
			return Spec{}, fmt.Errorf("stop_bits must be 1 or 2, got %q", v)
		}
		spec.Serial.StopBits, _ = strconv.Atoi(v)
	}

	if v := q.Get("parity"); v != "" {
		switch p := transport.Parity(strings.ToLower(v)); p {
		case transport.ParityNone, transport.ParityOdd, transport.ParityEven:
			spec.Serial.Parity = p
		default:
			return Spec{}, fmt.Errorf("invalid parity %q (expected none, odd or even)", v)
		}
	}

	if v := q.Get("flow"); v != "" {
		switch f := transport.FlowControl(strings.ToLower(v)); f {
		case transport.FlowNone, transport.FlowHardware, transport.FlowSoftware:
			spec.Serial.FlowControl = f
		default:
			return Spec{}, fmt.Errorf("invalid flow control %q (expected none, hardware or software)", v)
		}
	}

	return spec, nil
}

func parseWebSocket(raw string) (Spec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid WebSocket endpoint: %w", err)
	}
	if u.Host == "" {
		return Spec{}, fmt.Errorf("WebSocket endpoint %q has no host", raw)
	}
	return Spec{Kind: transport.KindWebSocket, Address: raw}, nil
}

func parseSim(raw string) (Spec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid sim endpoint: %w", err)
	}
	q := u.Query()

	spec := Spec{
		Kind:    transport.KindSim,
		Address: "sim",
		Sim:     SimSpec{ErrorAt: -1, ErrorAck: "error:20"},
	}

	if v := q.Get("latency_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return Spec{}, fmt.Errorf("invalid latency_ms %q", v)
		}
		spec.Sim.Latency = time.Duration(ms) * time.Millisecond
	}
	if v := q.Get("error_at"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Spec{}, fmt.Errorf("invalid error_at %q", v)
		}
		spec.Sim.ErrorAt = n
	}
	if v := q.Get("error"); v != "" {
		spec.Sim.ErrorAck = v
	}
	if v := q.Get("silent_after_halt"); v != "" {
		silent, err := strconv.ParseBool(v)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid silent_after_halt %q", v)
		}
		spec.Sim.SilentAfterHalt = silent
	}
	return spec, nil
}

func validateHostPort(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", hostport)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func positiveInt(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, value)
	}
	return n, nil
}
