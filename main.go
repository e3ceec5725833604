package main

import (
	"BaroServer/bmp3xx"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

type ProgramArgs struct {
	// Server Options
	Host string `short:"H" long:"host" default:"127.0.0.1" description:"IP to listen on"`
	Port uint16 `short:"P" long:"port" default:"27316" description:"Port to listen on"`

	// Sensor Options
	Interval  uint16  `short:"I" long:"interval" default:"5" description:"Interval between readings"`
	I2CDevice string  `short:"D" long:"i2cdev" description:"The used I2C device (default: auto)"`
	SPIDevice string  `short:"S" long:"spidev" description:"Use SPI on the given port instead of I2C"`
	SeaLevel  float64 `short:"Q" long:"sealevel" default:"1013.25" description:"Sea level reference pressure in hPa"`
}

var (
	args ProgramArgs

	readingMu      sync.RWMutex
	currentReading SensorReading

	seaLevel physic.Pressure
)

const (
	MIN_TIMEOUT_SECONDS = 2
)

func updateReading(ch <-chan physic.Env) {
	for env := range ch {
		log.Println("New readings")

		reading := NewSensorReading(time.Now())
		reading.Temperature = env.Temperature.Celsius()
		reading.Pressure = float64(env.Pressure) / float64(bmp3xx.HectoPascal)
		reading.Altitude = float64(bmp3xx.AltitudeAt(env.Pressure, seaLevel)) / float64(physic.Metre)

		readingMu.Lock()
		currentReading = reading
		readingMu.Unlock()
	}
}

func getOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}

// setupSensor opens the selected bus and initializes the sensor on it. The
// returned closer releases the bus and is the caller's responsibility.
func setupSensor(i2cdev, spidev string) (*bmp3xx.Dev, func()) {
	if _, err := host.Init(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	deviceOpts := bmp3xx.Opts{
		Pressure:    bmp3xx.O8x,
		Temperature: bmp3xx.O2x,
		Filter:      bmp3xx.F4,
	}

	if spidev != "" {
		port, err := spireg.Open(spidev)
		if err != nil {
			log.Fatalf("Couldn't open SPI port: %v", err)
		}
		dev, err := bmp3xx.NewSPI(port, &deviceOpts)
		if err != nil {
			log.Fatalf("Couldn't initialize sensor: %v", err)
		}
		return dev, func() { port.Close() }
	}

	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		log.Fatalf("Couldn't open I2C device: %v", err)
	}
	dev, err := bmp3xx.NewI2C(bus, 0x77, &deviceOpts)
	if err != nil {
		log.Fatalf("Couldn't initialize sensor: %v", err)
	}
	return dev, func() { bus.Close() }
}

func main() {
	args = ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	_, err := argParser.Parse()
	if err != nil {
		log.Fatal("arg parse fail")
	}

	// Boring bus setup (error handling happens in these functions)
	dev, closeBus := setupSensor(args.I2CDevice, args.SPIDevice)
	defer closeBus()

	seaLevel = physic.Pressure(args.SeaLevel * float64(bmp3xx.HectoPascal))
	dev.SetSeaLevelPressure(seaLevel)

	// SenseContinuous will take one reading immediately before looping
	intervalDuration := time.Duration(args.Interval)
	readingChannel, err := dev.SenseContinuous(intervalDuration * time.Second)
	if err != nil {
		log.Fatalf("Couldn't start taking readings: %v", err)
	}
	defer dev.Halt()

	// Start background measurements
	go updateReading(readingChannel)

	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		readingMu.RLock()
		reading := currentReading
		readingMu.RUnlock()

		jsonStr, err := json.Marshal(reading)
		if err != nil {
			w.WriteHeader(500)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err = w.Write(jsonStr); err != nil {
			log.Printf("Couldn't send response: %v\n", err)
		}
	})

	timeoutLen := max(MIN_TIMEOUT_SECONDS, int(args.Interval))

	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  time.Duration(timeoutLen) * time.Second,
		WriteTimeout: time.Duration(timeoutLen) * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      r,
	}

	go func() {
		if args.Host == "0.0.0.0" {
			localIP := getOutboundIP() // resolve local IP for easier debugging
			log.Printf("Listening on %s:%d…\n", localIP.String(), args.Port)
		} else {
			log.Printf("Listening on %s…\n", addr)
		}

		err := srv.ListenAndServe()
		log.Printf("Shutdown (%v)\n", err)
	}()

	sigChan := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
	signal.Notify(sigChan, os.Interrupt)

	<-sigChan

	// Give the server a timeout period of 4 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	_ = srv.Shutdown(ctx)
	os.Exit(0)
}
