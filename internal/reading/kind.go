package reading

import "fmt"

// Kind identifies one of the sensors on the bus.
type Kind int

const (
	KindConductivity Kind = iota
	KindRedoxPotential
	KindPh
	KindDissolvedOxygen
	KindTemperature
)

// kinds is the fixed poll and publish order of a cycle.
var kinds = [...]Kind{
	KindConductivity,
	KindRedoxPotential,
	KindPh,
	KindDissolvedOxygen,
	KindTemperature,
}

// Kinds returns every sensor kind in cycle order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds[:])
	return out
}

type kindInfo struct {
	name    string
	address string
}

var kindInfos = map[Kind]kindInfo{
	KindConductivity:    {name: "Conductivity", address: "1"},
	KindRedoxPotential:  {name: "RedoxPotential", address: "2"},
	KindPh:              {name: "pH", address: "3"},
	KindDissolvedOxygen: {name: "DissolvedOxygen", address: "4"},
	KindTemperature:     {name: "Temperature", address: "5"},
}

func (k Kind) String() string {
	if info, ok := kindInfos[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// TopicParam is the parameter naming the topic this kind is published on.
func (k Kind) TopicParam() string {
	return "atlas/" + k.String() + "/topic"
}

// DefaultTopic is used when TopicParam is not configured.
func (k Kind) DefaultTopic() string {
	return "atlas/raw/" + k.String()
}

// AddressParam is the parameter naming the bus address of this kind.
func (k Kind) AddressParam() string {
	return "atlas/" + k.String() + "/SEPort"
}

// DefaultAddress is used when AddressParam is not configured.
func (k Kind) DefaultAddress() string {
	return kindInfos[k].address
}
