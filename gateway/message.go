// Package gateway parses the messages a Ruuvi Gateway relays over HTTP and MQTT.
// Malformed input is rejected here so only well-formed advertisements reach
// the decoder.
package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingData  = errors.New("missing data object")
	ErrInvalidHex   = errors.New("invalid hex payload")
	ErrInvalidTopic = errors.New("invalid topic")
)

// Tag is one sensor advertisement as relayed by the gateway
type Tag struct {
	ID        string
	Data      []byte
	Timestamp time.Time
	RSSI      int
}

// Envelope is a batch of advertisements posted by the gateway in HTTP mode
type Envelope struct {
	Coordinates string
	GatewayID   string
	Timestamp   time.Time
	Nonce       *uint64
	Tags        []Tag // sorted by ID
}

type rawTag struct {
	Data      *string     `json:"data"`
	Timestamp unixSeconds `json:"timestamp"`
	RSSI      int         `json:"rssi"`
}

type rawEnvelope struct {
	Data *struct {
		Coordinates string            `json:"coordinates"`
		Timestamp   unixSeconds       `json:"timestamp"`
		Nonce       *uint64           `json:"nonce"`
		GatewayMAC  string            `json:"gw_mac"`
		Tags        map[string]rawTag `json:"tags"`
	} `json:"data"`
}

// ParseEnvelope decodes the JSON body of an HTTP POST from the gateway.
// Every tag must carry valid hex; one bad tag rejects the whole envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if raw.Data == nil {
		return nil, ErrMissingData
	}

	env := &Envelope{
		Coordinates: raw.Data.Coordinates,
		GatewayID:   raw.Data.GatewayMAC,
		Timestamp:   raw.Data.Timestamp.Time(),
		Nonce:       raw.Data.Nonce,
		Tags:        make([]Tag, 0, len(raw.Data.Tags)),
	}

	for id, rt := range raw.Data.Tags {
		data, err := decodeHex(rt.Data)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", id, err)
		}
		env.Tags = append(env.Tags, Tag{
			ID:        id,
			Data:      data,
			Timestamp: rt.Timestamp.Time(),
			RSSI:      rt.RSSI,
		})
	}
	slices.SortFunc(env.Tags, func(a, b Tag) int {
		return strings.Compare(a.ID, b.ID)
	})

	return env, nil
}

// Message is a single advertisement published by the gateway in MQTT mode
type Message struct {
	GatewayID        string
	GatewayTimestamp time.Time
	Coordinates      string
	Tag              Tag
}

type rawMessage struct {
	GatewayMAC  string      `json:"gw_mac"`
	RSSI        int         `json:"rssi"`
	Timestamp   unixSeconds `json:"ts"`
	GatewayTime unixSeconds `json:"gwts"`
	Data        *string     `json:"data"`
	Coordinates string      `json:"coords"`
}

// ParseMessage decodes an MQTT message published on
// <prefix>/<gateway mac>/<tag mac>. The tag id comes from the topic.
func ParseMessage(topic string, payload []byte) (*Message, error) {
	tagID, err := TagFromTopic(topic)
	if err != nil {
		return nil, err
	}

	var raw rawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	data, err := decodeHex(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("tag %s: %w", tagID, err)
	}

	gwTime := raw.GatewayTime.Time()
	if raw.GatewayTime == 0 {
		gwTime = raw.Timestamp.Time()
	}

	return &Message{
		GatewayID:        raw.GatewayMAC,
		GatewayTimestamp: gwTime,
		Coordinates:      raw.Coordinates,
		Tag: Tag{
			ID:        tagID,
			Data:      data,
			Timestamp: raw.Timestamp.Time(),
			RSSI:      raw.RSSI,
		},
	}, nil
}

// TagFromTopic returns the last segment of a topic, which the gateway sets
// to the tag's MAC address. Gateway status topics such as gw_status are
// rejected.
func TagFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	id := parts[len(parts)-1]
	if strings.Count(id, ":") != 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return id, nil
}

func decodeHex(s *string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidHex)
	}
	data, err := hex.DecodeString(*s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return data, nil
}

// unixSeconds accepts integer seconds either as a JSON number or a numeric
// string; gateway firmware versions differ.
type unixSeconds int64

func (u *unixSeconds) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %s: %w", b, err)
	}
	*u = unixSeconds(v)
	return nil
}

func (u unixSeconds) Time() time.Time {
	return time.Unix(int64(u), 0)
}
