package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "telembufd API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("telembuf-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "sensors":
		cmdSensors(*addr)
	case "sensor":
		if len(args) < 3 || args[1] != "info" {
			fmt.Fprintln(os.Stderr, "usage: telembuf-ctl sensor info <id>")
			os.Exit(1)
		}
		cmdSensorInfo(*addr, args[2])
	case "available":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: telembuf-ctl available <sensor> <consumer>")
			os.Exit(1)
		}
		cmdAvailable(*addr, args[1], args[2])
	case "commit":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: telembuf-ctl commit <sensor> <consumer>")
			os.Exit(1)
		}
		cmdPost(*addr, args[1], args[2], "commit")
	case "rollback":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: telembuf-ctl rollback <sensor> <consumer>")
			os.Exit(1)
		}
		cmdPost(*addr, args[1], args[2], "rollback")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `telembuf-ctl - telemetry buffer management CLI

Usage:
  telembuf-ctl [flags] <command> [args]

Commands:
  status                          Show overall status
  sensors                         List active sensors
  sensor info <id>                Show per-consumer stats for a sensor
  available <sensor> <consumer>   Show undelivered record count
  commit <sensor> <consumer>      Acknowledge the consumer's pending span
  rollback <sensor> <consumer>    Rewind the consumer's pending span
  version                         Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdSensors(addr string) {
	resp, err := http.Get(addr + "/v1/sensors")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var sensors []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&sensors); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSECTORS\tRECORDS\tCONSUMERS\tDISK")
	for _, s := range sensors {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			s["id"], s["chain_sectors"], s["total_records"], s["consumers"], s["disk_open"])
	}
	w.Flush()
}

func cmdSensorInfo(addr, id string) {
	resp, err := http.Get(addr + "/v1/sensors/" + id + "/stats")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdAvailable(addr, sensor, consumer string) {
	url := strings.Join([]string{addr, "v1/sensors", sensor, "consumers", consumer, "available"}, "/")
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdPost(addr, sensor, consumer, op string) {
	url := strings.Join([]string{addr, "v1/sensors", sensor, "consumers", consumer, op}, "/")
	resp, err := http.Post(url, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
