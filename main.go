// gojackd is the engine daemon: it hosts the process graph, schedules one
// cycle per audio period against the configured backend, and serves the
// request/event protocol in $JACK_TMPDIR/jack-<server>.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gojack/internal/driver"
	"gojack/internal/protocol"
	"gojack/internal/server"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	serverName := flag.String("name", "", "server name (default $JACK_DEFAULT_SERVER or \"default\")")
	driverName := flag.String("driver", "dummy", "backend driver (dummy)")
	rate := flag.Uint("rate", 48000, "sample rate in frames per second")
	period := flag.Uint("period", 1024, "frames per period (power of two)")
	inChannels := flag.Int("inchannels", 2, "physical capture channels")
	outChannels := flag.Int("outchannels", 2, "physical playback channels")
	midiIn := flag.Int("midi-in", 0, "physical MIDI capture ports")
	midiOut := flag.Int("midi-out", 0, "physical MIDI playback ports")
	portMax := flag.Uint("port-max", 256, "maximum number of ports")
	timeoutMs := flag.Int("timeout", 500, "client timeout in milliseconds")
	realtime := flag.Bool("realtime", false, "lock memory and run with real-time accounting")
	temporary := flag.Bool("temporary", false, "exit when the last client disconnects")
	watchdog := flag.Bool("watchdog", true, "arm the driver-thread watchdog")
	apiAddr := flag.String("api-addr", "", "HTTP introspection/metrics listen address (empty to disable)")
	verbose := flag.Bool("verbose", false, "verbose engine output")
	flag.Parse()

	drv, err := makeDriver(*driverName, driverParams{
		rate:        uint32(*rate),
		period:      uint32(*period),
		inChannels:  *inChannels,
		outChannels: *outChannels,
		midiIn:      *midiIn,
		midiOut:     *midiOut,
	})
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	eng, err := server.New(server.Config{
		Name:            *serverName,
		BufferSize:      uint32(*period),
		SampleRate:      uint32(*rate),
		PortMax:         uint32(*portMax),
		ClientTimeoutMs: *timeoutMs,
		RealTime:        *realtime,
		Temporary:       *temporary,
		Watchdog:        *watchdog,
		Verbose:         *verbose,
	}, drv)
	if err != nil {
		log.Fatalf("[main] engine setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eng.OnShutdown = func(status protocol.Status, reason string) {
		log.Printf("[main] engine shutdown: %s (status %#x)", reason, uint32(status))
		cancel()
	}

	if *apiAddr != "" {
		api := NewAPIServer(eng)
		go api.Run(ctx, *apiAddr)
	}

	// SIGINT/SIGTERM bring the engine down cleanly; SIGUSR2 is the driver
	// failure path asking the parent for an orderly shutdown.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR2)
	go func() {
		select {
		case sig := <-sigs:
			log.Printf("[main] %v received, shutting down", sig)
		case <-ctx.Done():
		}
		eng.Shutdown(protocol.StatusServerError, "server shutting down")
		cancel()
	}()

	if err := eng.Run(); err != nil {
		log.Fatalf("[main] engine: %v", err)
	}
}

// driverParams collects the backend knobs shared by every driver flavor.
type driverParams struct {
	rate        uint32
	period      uint32
	inChannels  int
	outChannels int
	midiIn      int
	midiOut     int
}

// makeDriver instantiates the named backend. Only the timer-driven dummy
// backend is built in; hardware backends implement driver.Driver out of
// tree.
func makeDriver(name string, p driverParams) (driver.Driver, error) {
	switch name {
	case "dummy":
		return driver.NewDummy(driver.DummyParams{
			SampleRate:       p.rate,
			Period:           p.period,
			CaptureChannels:  p.inChannels,
			PlaybackChannels: p.outChannels,
			MidiCapture:      p.midiIn,
			MidiPlayback:     p.midiOut,
		}), nil
	default:
		return nil, &UnknownDriverError{Name: name}
	}
}

// UnknownDriverError names a backend the daemon does not carry.
type UnknownDriverError struct{ Name string }

func (e *UnknownDriverError) Error() string { return "unknown driver " + e.Name }
