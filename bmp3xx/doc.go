// Package bmp3xx controls a Bosch BMP388 or BMP390 barometric
// pressure/temperature sensor over I²C or SPI.
//
// Readings are single forced-mode conversions: the driver triggers one
// conversion, waits for the sensor to finish, and compensates the raw ADC
// words with the factory calibration read at construction. Pressure altitude
// can be derived against a settable sea-level reference.
//
// # Datasheets
//
// BMP388:
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bmp388-ds001.pdf
//
// BMP390:
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bmp390-ds002.pdf
package bmp3xx
