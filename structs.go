package main

import (
	"time"
)

type SensorReading struct {
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Altitude    float64   `json:"altitude"`
	Updated     time.Time `json:"-"`
	UpdatedStr  string    `json:"updated"`
}

func NewSensorReading(date time.Time) SensorReading {
	return SensorReading{
		Updated:    date,
		UpdatedStr: date.Format("2006-01-02 15:04:05"), // ISO 8601 without timezone
	}
}
