package bmp3xx

import (
	"math"

	"periph.io/x/conn/v3/physic"
)

const tempPrecision = 1000000

// calibration3x holds the per-device factory coefficients, already scaled to
// the floating-point form the compensation formulas consume. They are decoded
// once at construction and never change afterwards.
type calibration3x struct {
	t1, t2, t3 float64

	p1, p2, p3, p4, p5, p6, p7, p8, p9, p10, p11 float64
}

// newCalibration parses the 21-byte calibration block starting at 0x31.
//
// The raw layout is a little-endian packed sequence of mixed-width integers
// (datasheet table 22): u16 T1, u16 T2, s8 T3, s16 P1, s16 P2, s8 P3, s8 P4,
// u16 P5, u16 P6, s8 P7, s8 P8, s16 P9, s8 P10, s8 P11. Each is scaled by a
// fixed power of two (datasheet section 9.1); P1 and P2 additionally subtract
// 2^14 before scaling. All compensation is done in float64, so the scaling is
// applied here once.
func newCalibration(buf []byte) (c calibration3x) {
	getInt16 := func(lsb, msb byte) int16 {
		return int16(lsb) | (int16(msb) << 8)
	}

	getUInt16 := func(lsb, msb byte) uint16 {
		return uint16(lsb) | (uint16(msb) << 8)
	}

	c.t1 = float64(getUInt16(buf[0], buf[1])) * 256.0              // / 2^-8
	c.t2 = float64(getUInt16(buf[2], buf[3])) / 1073741824.0       // / 2^30
	c.t3 = float64(int8(buf[4])) / 281474976710656.0               // / 2^48
	c.p1 = (float64(getInt16(buf[5], buf[6])) - 16384.0) / 1048576.0   // (x - 2^14) / 2^20
	c.p2 = (float64(getInt16(buf[7], buf[8])) - 16384.0) / 536870912.0 // (x - 2^14) / 2^29
	c.p3 = float64(int8(buf[9])) / 4294967296.0                    // / 2^32
	c.p4 = float64(int8(buf[10])) / 137438953472.0                 // / 2^37
	c.p5 = float64(getUInt16(buf[11], buf[12])) * 8.0              // / 2^-3
	c.p6 = float64(getUInt16(buf[13], buf[14])) / 64.0             // / 2^6
	c.p7 = float64(int8(buf[15])) / 256.0                          // / 2^8
	c.p8 = float64(int8(buf[16])) / 32768.0                        // / 2^15
	c.p9 = float64(getInt16(buf[17], buf[18])) / 281474976710656.0 // / 2^48
	c.p10 = float64(int8(buf[19])) / 281474976710656.0             // / 2^48
	c.p11 = float64(int8(buf[20])) / 36893488147419103232.0        // / 2^65

	return c
}

// compensateTemp returns temperature in °C (datasheet section 9.2).
//
// It is a pure function of the coefficients and the raw ADC word.
func (c *calibration3x) compensateTemp(tempRaw uint32) float64 {
	pd1 := float64(tempRaw) - c.t1
	pd2 := pd1 * c.t2
	return pd2 + pd1*pd1*c.t3
}

// compensatePressure returns pressure in Pa (datasheet section 9.3). tempComp
// is the compensated temperature in °C from compensateTemp.
func (c *calibration3x) compensatePressure(pressureRaw uint32, tempComp float64) float64 {
	t := tempComp
	adc := float64(pressureRaw)

	po1 := c.p5 + c.p6*t + c.p7*t*t + c.p8*t*t*t
	po2 := adc * (c.p1 + c.p2*t + c.p3*t*t + c.p4*t*t*t)
	pd4 := (c.p9+c.p10*t)*adc*adc + c.p11*adc*adc*adc

	return po1 + po2 + pd4
}

// AltitudeAt converts a pressure reading into pressure altitude relative to
// the given sea-level reference, per the NWS pressure altitude formula.
func AltitudeAt(pressure, seaLevel physic.Pressure) physic.Distance {
	m := 44307.7 * (1 - math.Pow(float64(pressure)/float64(seaLevel), 0.190284))
	return physic.Distance(m * float64(physic.Metre))
}
