package store

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
)

// NeverUpdated is the gateway timestamp reported before the first ingestion
var NeverUpdated = time.Unix(0, 0).UTC()

// Gateway is the relaying device's bookkeeping record
type Gateway struct {
	ID      string
	Updated time.Time
	Nonce   *uint64
}

// Sensor is the latest decoded reading of one sensor. Readings are never
// modified after decoding, so a Sensor value can be shared freely.
type Sensor struct {
	ID       string
	LastSeen time.Time
	RSSI     int
	Reading  ruuvi.Reading
}

// Snapshot is a consistent copy of the store, sensors sorted by ID
type Snapshot struct {
	Gateway Gateway
	Sensors []Sensor
}

// Store keeps the latest reading of every sensor seen since startup.
// Writes are last-write-wins in arrival order; sensors are never removed.
type Store struct {
	mu      sync.Mutex
	gateway Gateway
	sensors map[string]Sensor
}

// New creates an empty Store whose gateway has never been updated
func New() *Store {
	return &Store{
		gateway: Gateway{Updated: NeverUpdated},
		sensors: make(map[string]Sensor),
	}
}

// UpsertGateway replaces the gateway record unconditionally
func (s *Store) UpsertGateway(updated time.Time, nonce *uint64, id string) {
	gw := Gateway{ID: id, Updated: updated, Nonce: copyNonce(nonce)}

	s.mu.Lock()
	s.gateway = gw
	s.mu.Unlock()
}

// UpsertSensor inserts or replaces the record for id. The previous LastSeen
// is not consulted: an older reading arriving later still wins.
func (s *Store) UpsertSensor(id string, lastSeen time.Time, rssi int, reading ruuvi.Reading) {
	if reading == nil {
		return
	}
	sensor := Sensor{ID: id, LastSeen: lastSeen, RSSI: rssi, Reading: reading}

	s.mu.Lock()
	s.sensors[id] = sensor
	s.mu.Unlock()
}

// Apply writes the gateway record and a batch of sensors under a single lock
// acquisition, so a snapshot sees either none or all of them.
func (s *Store) Apply(gw Gateway, sensors []Sensor) {
	gw.Nonce = copyNonce(gw.Nonce)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gateway = gw
	for _, sensor := range sensors {
		if sensor.Reading == nil {
			continue
		}
		s.sensors[sensor.ID] = sensor
	}
}

// Snapshot copies the gateway record and all sensors. Sorting happens after
// the lock is released.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Gateway: s.gateway,
		Sensors: make([]Sensor, 0, len(s.sensors)),
	}
	for _, sensor := range s.sensors {
		snap.Sensors = append(snap.Sensors, sensor)
	}
	s.mu.Unlock()

	snap.Gateway.Nonce = copyNonce(snap.Gateway.Nonce)
	slices.SortFunc(snap.Sensors, func(a, b Sensor) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return snap
}

// Len returns the number of sensors seen so far
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sensors)
}

// Gateway returns a copy of the gateway record
func (s *Store) Gateway() Gateway {
	s.mu.Lock()
	gw := s.gateway
	s.mu.Unlock()

	gw.Nonce = copyNonce(gw.Nonce)
	return gw
}

func copyNonce(n *uint64) *uint64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
