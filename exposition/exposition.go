// Package exposition renders a store snapshot as a plaintext metrics
// document, one `name{labels} value` line per sample.
package exposition

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
)

const (
	MetricGatewayUpdate = "ruuvi_gateway_update_timestamp_seconds"
	MetricGatewayNonce  = "ruuvi_gateway_nonce"

	MetricLastSeen        = "ruuvi_tag_last_seen_timestamp_seconds"
	MetricSequence        = "ruuvi_tag_sequence_number"
	MetricTemperature     = "ruuvi_tag_temperature_celsius"
	MetricHumidity        = "ruuvi_tag_humidity_ratio"
	MetricPressure        = "ruuvi_tag_pressure_pascals"
	MetricMovementCounter = "ruuvi_tag_movement_counter"
	MetricAccelerationX   = "ruuvi_tag_acceleration_x_g"
	MetricAccelerationY   = "ruuvi_tag_acceleration_y_g"
	MetricAccelerationZ   = "ruuvi_tag_acceleration_z_g"
	MetricBattery         = "ruuvi_tag_battery_volts"
	MetricTxPower         = "ruuvi_tag_tx_power_dBm"
	MetricPM1_0           = "ruuvi_tag_pm1_0_ugm3"
	MetricPM2_5           = "ruuvi_tag_pm2_5_ugm3"
	MetricPM4_0           = "ruuvi_tag_pm4_0_ugm3"
	MetricPM10_0          = "ruuvi_tag_pm10_0_ugm3"
	MetricCO2             = "ruuvi_tag_co2_ppm"
	MetricVOC             = "ruuvi_tag_voc_index"
	MetricNOx             = "ruuvi_tag_nox_index"
	MetricLuminosity      = "ruuvi_tag_luminosity_lux"
	MetricRSSI            = "ruuvi_tag_rssi_dBm"
)

// Labeler resolves a sensor or gateway id to a human readable name
type Labeler interface {
	Lookup(id string) (string, bool)
}

// Label is a single name/value pair
type Label struct {
	Name  string
	Value string
}

// Sample is one metric line. Text holds the rendered value so integers
// keep their exact form; Value carries the same number for remote write.
type Sample struct {
	Name   string
	Labels []Label
	Value  float64
	Text   string
}

// Collect turns a snapshot into samples: gateway lines first, then every
// sensor in ascending id order. Unavailable fields produce no sample.
func Collect(snap store.Snapshot, names Labeler) []Sample {
	var c collector

	gwLabels := []Label{{Name: "gw_mac", Value: snap.Gateway.ID}}
	gwLabels = withName(gwLabels, names, snap.Gateway.ID)

	c.addInt(MetricGatewayUpdate, gwLabels, snap.Gateway.Updated.Unix())
	if snap.Gateway.Nonce != nil {
		c.addUint(MetricGatewayNonce, gwLabels, *snap.Gateway.Nonce)
	}

	for _, sensor := range snap.Sensors {
		labels := []Label{
			{Name: "mac", Value: sensor.ID},
			{Name: "gw_mac", Value: snap.Gateway.ID},
		}
		labels = withName(labels, names, sensor.ID)

		c.addInt(MetricLastSeen, labels, sensor.LastSeen.Unix())

		switch r := sensor.Reading.(type) {
		case *ruuvi.Format5:
			if r.Sequence != nil {
				c.addUint(MetricSequence, labels, uint64(*r.Sequence))
			}
			c.environment(labels, r.Environment)
			if r.MovementCounter != nil {
				c.addUint(MetricMovementCounter, labels, uint64(*r.MovementCounter))
			}
			if a := r.Acceleration; a != nil {
				c.addFloat(MetricAccelerationX, labels, float64(a.X)/1000)
				c.addFloat(MetricAccelerationY, labels, float64(a.Y)/1000)
				c.addFloat(MetricAccelerationZ, labels, float64(a.Z)/1000)
			}
			if r.BatteryMillivolts != nil {
				c.addFloat(MetricBattery, labels, float64(*r.BatteryMillivolts)/1000)
			}
			if r.TxPower != nil {
				c.addInt(MetricTxPower, labels, int64(*r.TxPower))
			}
		case *ruuvi.Format6:
			if r.Sequence != nil {
				c.addUint(MetricSequence, labels, uint64(*r.Sequence))
			}
			c.environment(labels, r.Environment)
			c.airQuality(labels, r.AirQuality)
		case *ruuvi.FormatE1:
			if r.Sequence != nil {
				c.addUint(MetricSequence, labels, uint64(*r.Sequence))
			}
			c.environment(labels, r.Environment)
			c.addOptionalFloat(MetricPM1_0, labels, r.PM1_0)
			c.addOptionalFloat(MetricPM4_0, labels, r.PM4_0)
			c.addOptionalFloat(MetricPM10_0, labels, r.PM10_0)
			c.airQuality(labels, r.AirQuality)
		}

		c.addInt(MetricRSSI, labels, int64(sensor.RSSI))
	}

	return c.samples
}

// WriteText writes samples in the text format, each line newline terminated
func WriteText(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	for _, s := range samples {
		bw.WriteString(s.Name)
		if len(s.Labels) > 0 {
			bw.WriteByte('{')
			for i, l := range s.Labels {
				if i > 0 {
					bw.WriteByte(',')
				}
				bw.WriteString(l.Name)
				bw.WriteString(`="`)
				labelEscaper.WriteString(bw, l.Value)
				bw.WriteByte('"')
			}
			bw.WriteByte('}')
		}
		bw.WriteByte(' ')
		bw.WriteString(s.Text)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Render collects and formats a snapshot in one call
func Render(snap store.Snapshot, names Labeler) string {
	var sb strings.Builder
	WriteText(&sb, Collect(snap, names))
	return sb.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func withName(labels []Label, names Labeler, id string) []Label {
	if names == nil {
		return labels
	}
	if name, ok := names.Lookup(id); ok {
		labels = append(labels, Label{Name: "name", Value: name})
	}
	return labels
}

type collector struct {
	samples []Sample
}

func (c *collector) add(name string, labels []Label, value float64, text string) {
	c.samples = append(c.samples, Sample{Name: name, Labels: labels, Value: value, Text: text})
}

func (c *collector) addInt(name string, labels []Label, v int64) {
	c.add(name, labels, float64(v), strconv.FormatInt(v, 10))
}

func (c *collector) addUint(name string, labels []Label, v uint64) {
	c.add(name, labels, float64(v), strconv.FormatUint(v, 10))
}

func (c *collector) addFloat(name string, labels []Label, v float64) {
	c.add(name, labels, v, strconv.FormatFloat(v, 'f', -1, 64))
}

func (c *collector) addOptionalFloat(name string, labels []Label, v *float64) {
	if v != nil {
		c.addFloat(name, labels, *v)
	}
}

func (c *collector) addOptionalUint16(name string, labels []Label, v *uint16) {
	if v != nil {
		c.addUint(name, labels, uint64(*v))
	}
}

func (c *collector) environment(labels []Label, env ruuvi.Environment) {
	c.addOptionalFloat(MetricTemperature, labels, env.Temperature)
	if ratio, ok := env.HumidityRatio(); ok {
		c.addFloat(MetricHumidity, labels, ratio)
	}
	if env.Pressure != nil {
		c.addUint(MetricPressure, labels, uint64(*env.Pressure))
	}
}

func (c *collector) airQuality(labels []Label, aq ruuvi.AirQuality) {
	c.addOptionalFloat(MetricPM2_5, labels, aq.PM2_5)
	c.addOptionalUint16(MetricCO2, labels, aq.CO2)
	c.addOptionalUint16(MetricVOC, labels, aq.VOC)
	c.addOptionalUint16(MetricNOx, labels, aq.NOx)
	c.addOptionalFloat(MetricLuminosity, labels, aq.Luminosity)
}
