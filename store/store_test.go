package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
)

func reading5(sequence uint16) *ruuvi.Format5 {
	return &ruuvi.Format5{Sequence: &sequence}
}

func TestNew(t *testing.T) {
	s := New()

	snap := s.Snapshot()
	if !snap.Gateway.Updated.Equal(NeverUpdated) {
		t.Errorf("Expected gateway never updated, got %v", snap.Gateway.Updated)
	}
	if snap.Gateway.Updated.Unix() != 0 {
		t.Errorf("Expected epoch sentinel, got %d", snap.Gateway.Updated.Unix())
	}
	if snap.Gateway.Nonce != nil {
		t.Errorf("Expected no nonce, got %d", *snap.Gateway.Nonce)
	}
	if len(snap.Sensors) != 0 {
		t.Errorf("Expected no sensors, got %d", len(snap.Sensors))
	}
}

func TestUpsertGateway(t *testing.T) {
	s := New()
	nonce := uint64(42)
	updated := time.Unix(1609459200, 0)

	s.UpsertGateway(updated, &nonce, "AA:BB:CC:DD:EE:FF")
	nonce = 7 // caller's variable must not leak into the store

	gw := s.Gateway()
	if gw.ID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected gateway ID AA:BB:CC:DD:EE:FF, got %s", gw.ID)
	}
	if !gw.Updated.Equal(updated) {
		t.Errorf("Expected updated %v, got %v", updated, gw.Updated)
	}
	if gw.Nonce == nil || *gw.Nonce != 42 {
		t.Errorf("Expected nonce 42, got %v", gw.Nonce)
	}

	// Replacement is unconditional, including dropping the nonce
	s.UpsertGateway(time.Unix(1, 0), nil, "other")
	gw = s.Gateway()
	if gw.ID != "other" || gw.Nonce != nil || gw.Updated.Unix() != 1 {
		t.Errorf("Expected gateway to be replaced wholesale, got %+v", gw)
	}
}

func TestUpsertSensor_LastWriteWins(t *testing.T) {
	s := New()
	newer := time.Unix(2000, 0)
	older := time.Unix(1000, 0)

	s.UpsertSensor("AA", newer, -50, reading5(2))
	s.UpsertSensor("AA", older, -70, reading5(1))

	snap := s.Snapshot()
	if len(snap.Sensors) != 1 {
		t.Fatalf("Expected 1 sensor, got %d", len(snap.Sensors))
	}
	sensor := snap.Sensors[0]
	if !sensor.LastSeen.Equal(older) {
		t.Errorf("Expected the later arrival to win, got last seen %v", sensor.LastSeen)
	}
	if sensor.RSSI != -70 {
		t.Errorf("Expected RSSI -70, got %d", sensor.RSSI)
	}
	if seq := *sensor.Reading.(*ruuvi.Format5).Sequence; seq != 1 {
		t.Errorf("Expected sequence 1, got %d", seq)
	}
}

func TestUpsertSensor_FormatMayChange(t *testing.T) {
	s := New()
	s.UpsertSensor("AA", time.Unix(1, 0), -50, reading5(1))
	s.UpsertSensor("AA", time.Unix(2, 0), -50, &ruuvi.FormatE1{})

	snap := s.Snapshot()
	if _, ok := snap.Sensors[0].Reading.(*ruuvi.FormatE1); !ok {
		t.Errorf("Expected reading replaced by E1, got %T", snap.Sensors[0].Reading)
	}
}

func TestUpsertSensor_NilReadingIgnored(t *testing.T) {
	s := New()
	s.UpsertSensor("AA", time.Unix(1, 0), -50, reading5(1))
	s.UpsertSensor("AA", time.Unix(2, 0), -60, nil)

	snap := s.Snapshot()
	if len(snap.Sensors) != 1 || snap.Sensors[0].RSSI != -50 {
		t.Errorf("Expected the existing record to be kept, got %+v", snap.Sensors)
	}
}

func TestSnapshot_SortedByID(t *testing.T) {
	s := New()
	for _, id := range []string{"CC", "AA", "BB"} {
		s.UpsertSensor(id, time.Unix(1, 0), -50, reading5(1))
	}

	snap := s.Snapshot()
	expected := []string{"AA", "BB", "CC"}
	if len(snap.Sensors) != len(expected) {
		t.Fatalf("Expected %d sensors, got %d", len(expected), len(snap.Sensors))
	}
	for i, id := range expected {
		if snap.Sensors[i].ID != id {
			t.Errorf("Expected sensor %d to be %s, got %s", i, id, snap.Sensors[i].ID)
		}
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New()
	s.UpsertSensor("AA", time.Unix(1, 0), -50, reading5(1))

	snap := s.Snapshot()
	s.UpsertSensor("BB", time.Unix(2, 0), -50, reading5(2))
	s.UpsertSensor("AA", time.Unix(3, 0), -90, reading5(3))

	if len(snap.Sensors) != 1 {
		t.Errorf("Expected snapshot to keep 1 sensor, got %d", len(snap.Sensors))
	}
	if snap.Sensors[0].RSSI != -50 {
		t.Errorf("Expected snapshot RSSI -50, got %d", snap.Sensors[0].RSSI)
	}
	if s.Len() != 2 {
		t.Errorf("Expected store to hold 2 sensors, got %d", s.Len())
	}
}

func TestApply(t *testing.T) {
	s := New()
	s.UpsertSensor("ZZ", time.Unix(1, 0), -80, reading5(9))

	nonce := uint64(3267643756)
	s.Apply(Gateway{ID: "FF:81:4E:A5:22:E7", Updated: time.Unix(1736885086, 0), Nonce: &nonce}, []Sensor{
		{ID: "AA", LastSeen: time.Unix(1736885086, 0), RSSI: -50, Reading: reading5(1)},
		{ID: "BB", LastSeen: time.Unix(1736885085, 0), RSSI: -60, Reading: nil},
	})

	snap := s.Snapshot()
	if snap.Gateway.ID != "FF:81:4E:A5:22:E7" {
		t.Errorf("Expected gateway FF:81:4E:A5:22:E7, got %s", snap.Gateway.ID)
	}
	if snap.Gateway.Nonce == nil || *snap.Gateway.Nonce != 3267643756 {
		t.Errorf("Expected nonce 3267643756, got %v", snap.Gateway.Nonce)
	}
	if len(snap.Sensors) != 2 {
		t.Fatalf("Expected 2 sensors (AA, ZZ), got %d", len(snap.Sensors))
	}
	if snap.Sensors[0].ID != "AA" || snap.Sensors[1].ID != "ZZ" {
		t.Errorf("Expected sensors AA and ZZ, got %s and %s", snap.Sensors[0].ID, snap.Sensors[1].ID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("sensor-%d-%d", w, i%10)
				s.UpsertSensor(id, time.Unix(int64(i), 0), -i, reading5(uint16(i)))
				nonce := uint64(i)
				s.UpsertGateway(time.Unix(int64(i), 0), &nonce, "gw")
			}
		}(w)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := s.Snapshot()
				for _, sensor := range snap.Sensors {
					// RSSI and sequence are written together, so a record is never torn
					seq := *sensor.Reading.(*ruuvi.Format5).Sequence
					if sensor.RSSI != -int(seq) {
						t.Errorf("Torn record %s: rssi %d, sequence %d", sensor.ID, sensor.RSSI, seq)
						return
					}
				}
			}
		}()
	}

	wg.Wait()

	if s.Len() != 80 {
		t.Errorf("Expected 80 sensors, got %d", s.Len())
	}
}
