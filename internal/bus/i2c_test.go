package bus

import (
	"errors"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

// frame builds a 32 byte EZO response.
func frame(status byte, ascii string, pad byte) []byte {
	b := make([]byte, responseLen)
	for i := range b {
		b[i] = pad
	}
	b[0] = status
	copy(b[1:], ascii)
	if len(ascii)+1 < responseLen {
		b[len(ascii)+1] = 0x00
	}
	return b
}

func allFF() []byte {
	b := make([]byte, responseLen)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func readOp(addr uint16) i2ctest.IO {
	return i2ctest.IO{Addr: addr, W: []byte("R\x00")}
}

func newTestI2C(t *testing.T, ops ...i2ctest.IO) (*I2C, *i2ctest.Playback, *[]time.Duration) {
	t.Helper()
	pb := &i2ctest.Playback{Ops: ops, DontPanic: true}
	d := NewI2C(pb, I2COptions{
		Ports:     map[string]uint16{"1": 0x64, "3": 0x63},
		ReadDelay: 900 * time.Millisecond,
	}, nil)
	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	return d, pb, &slept
}

func TestI2C_Read(t *testing.T) {
	tests := []struct {
		name    string
		address string
		addr    uint16
		resp    []byte
		want    string
	}{
		{name: "port map", address: "3", addr: 0x63, resp: frame(statusOK, "7.012", 0x00), want: "7.012"},
		{name: "hex address", address: "0x66", addr: 0x66, resp: frame(statusOK, "23.5", 0x00), want: "23.5"},
		{name: "decimal address", address: " 98 ", addr: 98, resp: frame(statusOK, "225.4", 0x00), want: "225.4"},
		{name: "ff padding", address: "1", addr: 0x64, resp: frame(statusOK, "1.2,3,0.01,1.0", 0xFF), want: "1.2,3,0.01,1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, pb, slept := newTestI2C(t, readOp(tt.addr), i2ctest.IO{Addr: tt.addr, R: tt.resp})

			got, err := d.Read(tt.address)
			if err != nil {
				t.Fatalf("Read(%q) error = %v", tt.address, err)
			}
			if got != tt.want {
				t.Errorf("Read(%q) = %q, want %q", tt.address, got, tt.want)
			}
			if pb.Count != 2 {
				t.Errorf("bus transactions = %d, want 2", pb.Count)
			}
			if len(*slept) != 1 || (*slept)[0] != 900*time.Millisecond {
				t.Errorf("sleeps = %v, want [900ms]", *slept)
			}
		})
	}
}

func TestI2C_ReadWaitsWhilePending(t *testing.T) {
	d, pb, slept := newTestI2C(t,
		readOp(0x63),
		i2ctest.IO{Addr: 0x63, R: frame(statusPending, "", 0x00)},
		i2ctest.IO{Addr: 0x63, R: frame(statusPending, "", 0x00)},
		i2ctest.IO{Addr: 0x63, R: frame(statusOK, "6.98", 0x00)},
	)

	got, err := d.Read("3")
	if err != nil {
		t.Fatalf("Read error = %v", err)
	}
	if got != "6.98" {
		t.Errorf("Read = %q, want 6.98", got)
	}
	if pb.Count != 4 {
		t.Errorf("bus transactions = %d, want 4", pb.Count)
	}
	want := []time.Duration{900 * time.Millisecond, pendingInterval, pendingInterval}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
}

func TestI2C_ReadRetriesEmptyOnce(t *testing.T) {
	d, _, _ := newTestI2C(t,
		readOp(0x63),
		i2ctest.IO{Addr: 0x63, R: allFF()},
		i2ctest.IO{Addr: 0x63, R: frame(statusOK, "7.0", 0x00)},
	)
	got, err := d.Read("3")
	if err != nil || got != "7.0" {
		t.Fatalf("Read = %q, %v; want 7.0, nil", got, err)
	}
}

func TestI2C_ReadErrors(t *testing.T) {
	pending := []i2ctest.IO{readOp(0x63)}
	for i := 0; i < maxPendingReads; i++ {
		pending = append(pending, i2ctest.IO{Addr: 0x63, R: frame(statusPending, "", 0x00)})
	}

	tests := []struct {
		name    string
		address string
		ops     []i2ctest.IO
		want    error
	}{
		{name: "not a number", address: "ph", want: ErrMalformedAddress},
		{name: "reserved address", address: "7", want: ErrMalformedAddress},
		{name: "above 7 bit range", address: "0x78", want: ErrMalformedAddress},
		{
			name:    "syntax error",
			address: "3",
			ops:     []i2ctest.IO{readOp(0x63), {Addr: 0x63, R: frame(statusSyntax, "", 0x00)}},
			want:    ErrSyntax,
		},
		{
			name:    "no data twice",
			address: "3",
			ops:     []i2ctest.IO{readOp(0x63), {Addr: 0x63, R: allFF()}, {Addr: 0x63, R: allFF()}},
			want:    ErrNoData,
		},
		{name: "still pending", address: "3", ops: pending, want: ErrPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, pb, _ := newTestI2C(t, tt.ops...)

			_, err := d.Read(tt.address)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Read(%q) error = %v, want %v", tt.address, err, tt.want)
			}
			if !errors.Is(err, ErrBus) {
				t.Errorf("error %v does not match ErrBus", err)
			}
			var be *Error
			if !errors.As(err, &be) || be.Address != tt.address {
				t.Errorf("error = %#v, want *Error for %q", err, tt.address)
			}
			if pb.Count != len(tt.ops) {
				t.Errorf("bus transactions = %d, want %d", pb.Count, len(tt.ops))
			}
		})
	}
}

// failingBus refuses every transaction, like a bus with nothing attached.
type failingBus struct{ txs int }

func (f *failingBus) String() string                  { return "failing" }
func (f *failingBus) SetSpeed(physic.Frequency) error { return nil }

func (f *failingBus) Tx(addr uint16, w, r []byte) error {
	f.txs++
	return errors.New("remote I/O error")
}

func TestI2C_ReadNoDevice(t *testing.T) {
	fb := &failingBus{}
	d := NewI2C(fb, I2COptions{}, nil)
	d.sleep = func(time.Duration) {}

	_, err := d.Read("0x61")
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Read error = %v, want ErrNoDevice", err)
	}
	if !strings.Contains(err.Error(), "0x61") {
		t.Errorf("error %q does not name the address", err)
	}
	if fb.txs != 1 {
		t.Errorf("transactions = %d, want 1", fb.txs)
	}
}

func TestI2C_ReadAfterClose(t *testing.T) {
	d, _, _ := newTestI2C(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if _, err := d.Read("3"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after Close error = %v, want ErrClosed", err)
	}
}

func TestDecodeASCII(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{in: []byte("7.01\x00\x00\x00"), want: "7.01"},
		{in: []byte("7.01\xff\xff"), want: "7.01"},
		{in: []byte(" 23.5\r\n\x00junk"), want: "23.5"},
		{in: []byte{}, want: ""},
	}
	for _, tt := range tests {
		if got := decodeASCII(tt.in); got != tt.want {
			t.Errorf("decodeASCII(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
