package bmp3xx

import (
	"math"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spitest"
)

// stubSleep replaces the poll sleep with a counter so tests run instantly.
func stubSleep(t *testing.T) *int {
	t.Helper()
	n := 0
	orig := doSleep
	doSleep = func(time.Duration) { n++ }
	t.Cleanup(func() { doSleep = orig })
	return &n
}

// initOps is the bus traffic every construction performs: identity check,
// calibration read, soft reset, then the DefaultOpts oversampling (pressure
// ×8, temperature ×2 → 0x0B) and filter (off) writes.
func initOps(chip byte) []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: 0x77, W: []byte{AddrChipID}, R: []byte{chip}},
		{Addr: 0x77, W: []byte{AddrCalData}, R: testCalBytes()},
		{Addr: 0x77, W: []byte{AddrCmd, cmdSoftReset}, R: nil},
		{Addr: 0x77, W: []byte{AddrOSR, 0x0B}, R: nil},
		{Addr: 0x77, W: []byte{AddrConfig, 0x00}, R: nil},
	}
}

func TestNewI2C_BMP388(t *testing.T) {
	bus := i2ctest.Playback{Ops: initOps(0x50)}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); !strings.HasPrefix(s, "BMP388{") {
		t.Fatalf("unexpected device name: %q", s)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewI2C_BMP390(t *testing.T) {
	bus := i2ctest.Playback{Ops: initOps(0x60)}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); !strings.HasPrefix(s, "BMP390{") {
		t.Fatalf("unexpected device name: %q", s)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewI2C_WrongChipID(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x77, W: []byte{AddrChipID}, R: []byte{0x42}},
		},
	}
	if _, err := NewI2C(&bus, 0x77, &DefaultOpts); err == nil {
		t.Fatal("expected construction to fail on unknown chip id")
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewI2C_BadAddress(t *testing.T) {
	bus := i2ctest.Playback{}
	if _, err := NewI2C(&bus, 0x42, &DefaultOpts); err == nil {
		t.Fatal("expected construction to fail on unsupported address")
	}
}

func TestSense(t *testing.T) {
	polls := stubSleep(t)
	// 0x00, 0x12, 0x7A little-endian is ADC count 8000000, for both words.
	adc := []byte{0x00, 0x12, 0x7A, 0x00, 0x12, 0x7A}
	bus := i2ctest.Playback{
		Ops: append(initOps(0x50),
			i2ctest.IO{Addr: 0x77, W: []byte{AddrControl, ctrlForced}, R: nil},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrStatus}, R: []byte{0x20}}, // pressure only, keep waiting
			i2ctest.IO{Addr: 0x77, W: []byte{AddrStatus}, R: []byte{0x60}},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrPressData}, R: adc},
		),
	}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}

	cal := newCalibration(testCalBytes())
	wantT := cal.compensateTemp(8000000)
	wantP := cal.compensatePressure(8000000, wantT)

	if got := e.Temperature.Celsius(); math.Abs(got-wantT) > 0.001 {
		t.Fatalf("temperature: got %g°C, want %g°C", got, wantT)
	}
	if got := float64(e.Pressure) / float64(physic.Pascal); math.Abs(got-wantP) > 0.001 {
		t.Fatalf("pressure: got %gPa, want %gPa", got, wantP)
	}
	if *polls != 1 {
		t.Fatalf("expected exactly one poll sleep, got %d", *polls)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSense_PollTimeout(t *testing.T) {
	stubSleep(t)
	bus := i2ctest.Playback{
		Ops: append(initOps(0x50),
			i2ctest.IO{Addr: 0x77, W: []byte{AddrControl, ctrlForced}, R: nil},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrStatus}, R: []byte{0x00}},
		),
	}
	opts := DefaultOpts
	opts.PollTimeout = time.Nanosecond
	d, err := NewI2C(&bus, 0x77, &opts)
	if err != nil {
		t.Fatal(err)
	}

	e := physic.Env{}
	if err := d.Sense(&e); err == nil {
		t.Fatal("expected a conversion timeout")
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOversamplingRoundTrip(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: append(initOps(0x50),
			// SetPressureOversampling(16): read-modify-write keeps bits 5:3.
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR}, R: []byte{0x0B}},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR, 0x0C}, R: nil},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR}, R: []byte{0x0C}},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR}, R: []byte{0x0C}},
			// SetTemperatureOversampling(32): keeps bits 2:0.
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR}, R: []byte{0x0C}},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR, 0x2C}, R: nil},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR}, R: []byte{0x2C}},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrOSR}, R: []byte{0x2C}},
		),
	}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SetPressureOversampling(16); err != nil {
		t.Fatal(err)
	}
	if got, err := d.PressureOversampling(); err != nil || got != 16 {
		t.Fatalf("pressure oversampling: got %d (%v), want 16", got, err)
	}
	if got, err := d.TemperatureOversampling(); err != nil || got != 2 {
		t.Fatalf("temperature oversampling changed: got %d (%v), want 2", got, err)
	}

	if err := d.SetTemperatureOversampling(32); err != nil {
		t.Fatal(err)
	}
	if got, err := d.TemperatureOversampling(); err != nil || got != 32 {
		t.Fatalf("temperature oversampling: got %d (%v), want 32", got, err)
	}
	if got, err := d.PressureOversampling(); err != nil || got != 16 {
		t.Fatalf("pressure oversampling changed: got %d (%v), want 16", got, err)
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFilterRoundTrip(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: append(initOps(0x50),
			i2ctest.IO{Addr: 0x77, W: []byte{AddrConfig}, R: []byte{0x00}},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrConfig, 0x06}, R: nil},
			i2ctest.IO{Addr: 0x77, W: []byte{AddrConfig}, R: []byte{0x06}},
		),
	}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SetFilterCoefficient(8); err != nil {
		t.Fatal(err)
	}
	if got, err := d.FilterCoefficient(); err != nil || got != 8 {
		t.Fatalf("filter coefficient: got %d (%v), want 8", got, err)
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidSettings(t *testing.T) {
	// No ops beyond construction: a rejected value must not touch the bus,
	// and Close() verifies nothing else was played back.
	bus := i2ctest.Playback{Ops: initOps(0x50)}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SetPressureOversampling(3); err == nil {
		t.Fatal("expected error for oversampling 3")
	}
	if err := d.SetTemperatureOversampling(0); err == nil {
		t.Fatal("expected error for oversampling 0")
	}
	if err := d.SetFilterCoefficient(5); err == nil {
		t.Fatal("expected error for filter coefficient 5")
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSPI(t *testing.T) {
	stubSleep(t)

	pad := func(n int) []byte { return make([]byte, n) }
	calR := append([]byte{0, 0}, testCalBytes()...)
	adcR := []byte{0, 0, 0x00, 0x12, 0x7A, 0x00, 0x12, 0x7A}

	bus := spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				// CS toggle: throwaway chip id read latches SPI mode.
				{W: []byte{0x80, 0x00, 0x00}, R: pad(3)},
				// Reads carry bit 7 and a dummy response byte; writes don't.
				{W: []byte{0x80, 0x00, 0x00}, R: []byte{0, 0, 0x50}},
				{W: append([]byte{0x80 | AddrCalData}, pad(22)...), R: calR},
				{W: []byte{AddrCmd, cmdSoftReset}, R: nil},
				{W: []byte{AddrOSR, 0x0B}, R: nil},
				{W: []byte{AddrConfig, 0x00}, R: nil},
				{W: []byte{AddrControl, ctrlForced}, R: nil},
				{W: []byte{0x80 | AddrStatus, 0x00, 0x00}, R: []byte{0, 0, 0x60}},
				{W: append([]byte{0x80 | AddrPressData}, pad(7)...), R: adcR},
			},
		},
	}
	d, err := NewSPI(&bus, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}

	cal := newCalibration(testCalBytes())
	wantT := cal.compensateTemp(8000000)
	if got := e.Temperature.Celsius(); math.Abs(got-wantT) > 0.001 {
		t.Fatalf("temperature: got %g°C, want %g°C", got, wantT)
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSenseContinuous(t *testing.T) {
	stubSleep(t)
	adc := []byte{0x00, 0x12, 0x7A, 0x00, 0x12, 0x7A}
	ops := append(initOps(0x50),
		i2ctest.IO{Addr: 0x77, W: []byte{AddrControl, ctrlForced}, R: nil},
		i2ctest.IO{Addr: 0x77, W: []byte{AddrStatus}, R: []byte{0x60}},
		i2ctest.IO{Addr: 0x77, W: []byte{AddrPressData}, R: adc},
		// Halt drops the measurement enables.
		i2ctest.IO{Addr: 0x77, W: []byte{AddrControl, 0x00}, R: nil},
	)

	bus := i2ctest.Playback{Ops: ops}
	d, err := NewI2C(&bus, 0x77, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}

	// A long interval so exactly one conversion plays back before Halt.
	ch, err := d.SenseContinuous(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	// A synchronous Sense must be refused while streaming.
	if err := d.Sense(&physic.Env{}); err == nil {
		t.Fatal("expected Sense to fail during SenseContinuous")
	}

	select {
	case e := <-ch:
		if e.Pressure == 0 {
			t.Fatal("got zero reading")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reading")
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOversamplingString(t *testing.T) {
	for o, want := range map[Oversampling]string{
		O1x: "1x", O2x: "2x", O4x: "4x", O8x: "8x", O16x: "16x", O32x: "32x",
	} {
		if got := o.String(); got != want {
			t.Errorf("Oversampling(%d).String() = %q, want %q", o, got, want)
		}
	}
	if got := Oversampling(9).String(); got != "Oversampling(9)" {
		t.Errorf("out of range: got %q", got)
	}
}
