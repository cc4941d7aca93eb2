// Package reading defines the measurement records published for each sensor kind
// and the parsers that turn raw bus responses into them.
package reading

import "time"

// Header is common to every published record.
type Header struct {
	Timestamp             time.Time `json:"timestamp"`
	ExternalTimeReference time.Time `json:"external_time_reference"`
	SourceID              string    `json:"source_id"`
}

// Reading is one typed measurement record ready to publish.
type Reading interface {
	Kind() Kind
	Stamp(h Header)
	Head() Header
}

type Conductivity struct {
	Header
	ElectricalConductivity float64 `json:"electrical_conductivity"`
	PartsPerMillion        int     `json:"parts_per_million"`
	Salinity               float64 `json:"salinity"`
	SpecificGravity        float64 `json:"specific_gravity"`
}

type RedoxPotential struct {
	Header
	Millivolts float64 `json:"millivolts"`
}

type Ph struct {
	Header
	PH float64 `json:"ph"`
}

type DissolvedOxygen struct {
	Header
	Concentration float64 `json:"concentration"`
}

// Temperature carries Fahrenheit only as a value derived from Celsius.
type Temperature struct {
	Header
	Celsius    float64 `json:"celsius"`
	Fahrenheit float64 `json:"fahrenheit"`
}

// CelsiusToFahrenheit is the conversion applied to every Temperature record.
func CelsiusToFahrenheit(c float64) float64 {
	return c*1.8 + 32.0
}

func (r *Conductivity) Kind() Kind    { return KindConductivity }
func (r *RedoxPotential) Kind() Kind  { return KindRedoxPotential }
func (r *Ph) Kind() Kind              { return KindPh }
func (r *DissolvedOxygen) Kind() Kind { return KindDissolvedOxygen }
func (r *Temperature) Kind() Kind     { return KindTemperature }

func (h *Header) Stamp(v Header) { *h = v }
func (h *Header) Head() Header   { return *h }
