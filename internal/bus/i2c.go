package bus

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"atlas-gateway/internal/utils"
)

// EZO circuits answer a command with a status byte followed by NUL terminated
// ASCII, padded to the read length.
const (
	responseLen = 32

	statusOK      = 1
	statusSyntax  = 2
	statusPending = 254
	statusNoData  = 255

	// Re-reads while the circuit reports it is still processing.
	maxPendingReads = 5
	pendingInterval = 50 * time.Millisecond

	readCommand = "R"
)

// I2COptions configure the EZO driver.
type I2COptions struct {
	// Ports maps logical port names ("1".."5") to 7-bit addresses. Addresses
	// that are not listed are parsed as numbers ("0x63", "99").
	Ports map[string]uint16
	// ReadDelay is the processing time between the read command and the response.
	ReadDelay time.Duration
}

// I2C reads EZO sensor circuits over an I2C bus.
type I2C struct {
	// Serializes the write -> wait -> read transaction.
	mu     sync.Mutex
	bus    i2c.Bus
	closer func() error
	opts   I2COptions
	sleep  func(time.Duration)
	logger *slog.Logger
}

// OpenI2C initializes the host drivers and opens the named bus ("" is the
// first one available).
func OpenI2C(name string, opts I2COptions, logger *slog.Logger) (*I2C, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	d := NewI2C(b, opts, logger)
	d.closer = b.Close
	return d, nil
}

// NewI2C wraps an already open bus. The caller keeps ownership of b.
func NewI2C(b i2c.Bus, opts I2COptions, logger *slog.Logger) *I2C {
	if logger == nil {
		logger = slog.Default()
	}
	return &I2C{
		bus:    b,
		opts:   opts,
		sleep:  time.Sleep,
		logger: logger,
	}
}

// Resolve maps an address string to a 7-bit I2C address.
func (d *I2C) Resolve(address string) (uint16, error) {
	address = strings.TrimSpace(address)
	if a, ok := d.opts.Ports[address]; ok {
		return a, nil
	}
	v, err := strconv.ParseUint(address, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAddress, address)
	}
	// 0x00-0x07 and 0x78-0x7F are reserved by the I2C specification.
	if v < 0x08 || v > 0x77 {
		return 0, fmt.Errorf("%w: %q is outside 0x08-0x77", ErrMalformedAddress, address)
	}
	return uint16(v), nil
}

// Read sends the read command to the circuit at address and returns its answer.
func (d *I2C) Read(address string) (string, error) {
	addr, err := d.Resolve(address)
	if err != nil {
		return "", newError(address, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bus == nil {
		return "", newError(address, ErrClosed)
	}

	if err := d.bus.Tx(addr, []byte(readCommand+"\x00"), nil); err != nil {
		return "", newError(address, fmt.Errorf("%w: write 0x%02X: %v", ErrNoDevice, addr, err))
	}
	d.sleep(d.opts.ReadDelay)

	resp, err := d.readResponse(addr)
	if err != nil {
		return "", newError(address, err)
	}
	return resp, nil
}

func (d *I2C) readResponse(addr uint16) (string, error) {
	payload := make([]byte, responseLen)
	retriedEmpty := false
	for attempt := 0; ; attempt++ {
		if err := d.bus.Tx(addr, nil, payload); err != nil {
			return "", fmt.Errorf("%w: read 0x%02X: %v", ErrNoDevice, addr, err)
		}
		d.logger.Debug("i2c read", "addr", utils.HexAddr(addr), "payload", utils.BytesToHex(payload))

		switch payload[0] {
		case statusOK:
			return decodeASCII(payload[1:]), nil
		case statusSyntax:
			return "", ErrSyntax
		case statusPending:
			if attempt+1 >= maxPendingReads {
				return "", ErrPending
			}
		case statusNoData:
			// A floating bus reads back as all 0xFF; give the circuit one more chance.
			if retriedEmpty {
				return "", ErrNoData
			}
			retriedEmpty = true
		default:
			return "", fmt.Errorf("%w: unknown status %d", ErrNoData, payload[0])
		}
		d.sleep(pendingInterval)
	}
}

// decodeASCII cuts at the first NUL and trims 0xFF padding and whitespace.
func decodeASCII(b []byte) string {
	if i := bytes.IndexByte(b, 0x00); i >= 0 {
		b = b[:i]
	}
	b = bytes.TrimRight(b, "\xff")
	return strings.TrimSpace(string(b))
}

// Close releases the bus if it was opened by OpenI2C. Reads after Close fail.
func (d *I2C) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = nil
	if d.closer == nil {
		return nil
	}
	closer := d.closer
	d.closer = nil
	return closer()
}

var _ Client = (*I2C)(nil)
