package main

import (
	"fmt"
	"os"

	"gojack/internal/metadata"
	"gojack/internal/shm"
)

// Version is stamped at release time.
const Version = "0.9.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("gojackd %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:])
	case "properties":
		return cliProperties(args[1:])
	default:
		return false
	}
}

func cliArgServer(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// cliStatus reads the control page of a running server.
func cliStatus(args []string) bool {
	name := shm.ServerName(cliArgServer(args))
	seg, err := shm.Attach(shm.ServerDir(name)+"/jack-control", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no server %q running: %v\n", name, err)
		os.Exit(1)
	}
	defer seg.Detach() //nolint:errcheck // read-only peek

	page := shm.NewControlPage(seg.Data)
	if !page.Valid() {
		fmt.Fprintf(os.Stderr, "control page of %q is not initialized\n", name)
		os.Exit(1)
	}
	timer := page.ReadTimer()
	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Running: %v\n", page.EngineOK())
	fmt.Printf("Buffer size: %d frames\n", page.BufferSize())
	fmt.Printf("Sample rate: %d Hz\n", page.SampleRate())
	fmt.Printf("Clients: %d\n", page.ClientCount())
	fmt.Printf("Ports: %d\n", page.PortCount())
	fmt.Printf("Frames: %d\n", timer.Frames)
	fmt.Printf("DSP load: %.1f%%\n", page.CPULoad())
	fmt.Printf("XRuns: %d\n", page.XRuns())
	fmt.Printf("Freewheeling: %v\n", page.Freewheeling())
	return true
}

// cliProperties dumps the metadata store of a server.
func cliProperties(args []string) bool {
	name := shm.ServerName(cliArgServer(args))
	st, err := metadata.Open(shm.ServerDir(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening metadata store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	props, err := st.GetAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading properties: %v\n", err)
		os.Exit(1)
	}
	for _, p := range props {
		fmt.Printf("%s\t%s\t%s", p.Subject, p.Key, p.Value)
		if p.Type != "" {
			fmt.Printf("\t(%s)", p.Type)
		}
		fmt.Println()
	}
	return true
}
