// Command scanner prints decoded Ruuvi advertisements seen by the local
// adapter, one block per advertisement, using the same metric lines the
// exporter serves.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/ruuvi_gateway/ble"
	"github.com/mjasion/balena-home/ruuvi_gateway/exposition"
	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
)

var adapter = bluetooth.DefaultAdapter

func main() {
	macs := pflag.StringSlice("mac", nil, "Only print these MAC addresses")
	unique := pflag.Bool("unique", false, "Print each device once")
	pflag.Parse()

	targets := make(map[string]bool)
	for _, mac := range *macs {
		targets[strings.ToUpper(strings.TrimSpace(mac))] = true
	}

	must("enable BLE stack", adapter.Enable())

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("Ruuvi scanner started")
	if len(targets) > 0 {
		fmt.Printf("Filtering for %d MAC address(es)\n", len(targets))
	}
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	seen := make(map[string]bool)
	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		address := strings.ToUpper(result.Address.String())
		if len(targets) > 0 && !targets[address] {
			return
		}
		if *unique && seen[address] {
			return
		}

		outcome := ruuvi.DecodeAdvertisement(ble.Advertisement(result.ManufacturerData()))
		if outcome.Status == ruuvi.StatusNoVendorData {
			return
		}
		seen[address] = true

		printAdvertisement(os.Stdout, time.Now(), address, result.RSSI, outcome)
	})
	must("start scan", err)
}

func printAdvertisement(w io.Writer, at time.Time, address string, rssi int16, outcome ruuvi.Outcome) {
	strength := getSignalStrength(rssi)

	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────")
	fmt.Fprintf(w, "│ Timestamp: %s\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "│ MAC:       %s\n", address)
	fmt.Fprintf(w, "│ RSSI:      %d dBm [%s] %s\n", rssi, strength.bar, strength.label)
	fmt.Fprintf(w, "│ Status:    %s\n", outcome.Status)
	for _, err := range outcome.Failures {
		fmt.Fprintf(w, "│ Failure:   %v\n", err)
	}

	if outcome.Reading != nil {
		fmt.Fprintf(w, "│ Format:    %s\n", outcome.Reading.Format())
		snap := store.Snapshot{Sensors: []store.Sensor{{
			ID:       address,
			LastSeen: at,
			RSSI:     int(rssi),
			Reading:  outcome.Reading,
		}}}
		// Skip the gateway lines, there is no gateway here
		for _, s := range exposition.Collect(snap, nil)[1:] {
			fmt.Fprintf(w, "│   %-40s %s\n", s.Name, s.Text)
		}
	}

	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────")
	fmt.Fprintln(w)
}

type signalStrength struct {
	bar   string
	label string
}

func getSignalStrength(rssi int16) signalStrength {
	// RSSI typically ranges from -100 (weak) to -30 (strong)
	switch {
	case rssi >= -50:
		return signalStrength{"████████", "Excellent"}
	case rssi >= -60:
		return signalStrength{"██████  ", "Good"}
	case rssi >= -70:
		return signalStrength{"████    ", "Fair"}
	case rssi >= -80:
		return signalStrength{"██      ", "Weak"}
	default:
		return signalStrength{"        ", "Very Weak"}
	}
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
