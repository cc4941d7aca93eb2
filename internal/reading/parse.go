package reading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse matches every ParseError with errors.Is.
var ErrParse = errors.New("parse error")

// ParseError reports a raw response that does not fit the kind's field layout.
type ParseError struct {
	Kind Kind
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response %q: %v", e.Kind, e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Parse turns a raw response into the record for kind. The header is left zero.
func Parse(kind Kind, raw string) (Reading, error) {
	var (
		r   Reading
		err error
	)
	switch kind {
	case KindConductivity:
		r, err = nilSafe(ParseConductivity(raw))
	case KindRedoxPotential:
		r, err = nilSafe(ParseRedoxPotential(raw))
	case KindPh:
		r, err = nilSafe(ParsePh(raw))
	case KindDissolvedOxygen:
		r, err = nilSafe(ParseDissolvedOxygen(raw))
	case KindTemperature:
		r, err = nilSafe(ParseTemperature(raw))
	default:
		err = &ParseError{Kind: kind, Raw: raw, Err: errors.New("unknown sensor kind")}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// nilSafe keeps a typed nil pointer from becoming a non-nil Reading.
func nilSafe[T Reading](r T, err error) (Reading, error) {
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ParseConductivity expects "ec,ppm,salinity,specific_gravity".
func ParseConductivity(raw string) (*Conductivity, error) {
	fields, err := splitFields(KindConductivity, raw, 4)
	if err != nil {
		return nil, err
	}
	ec, err := parseFloat(KindConductivity, raw, fields[0])
	if err != nil {
		return nil, err
	}
	ppm, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, &ParseError{Kind: KindConductivity, Raw: raw, Err: fmt.Errorf("parts per million: %w", err)}
	}
	sal, err := parseFloat(KindConductivity, raw, fields[2])
	if err != nil {
		return nil, err
	}
	sg, err := parseFloat(KindConductivity, raw, fields[3])
	if err != nil {
		return nil, err
	}
	return &Conductivity{
		ElectricalConductivity: ec,
		PartsPerMillion:        ppm,
		Salinity:               sal,
		SpecificGravity:        sg,
	}, nil
}

func ParseRedoxPotential(raw string) (*RedoxPotential, error) {
	v, err := parseSingle(KindRedoxPotential, raw)
	if err != nil {
		return nil, err
	}
	return &RedoxPotential{Millivolts: v}, nil
}

func ParsePh(raw string) (*Ph, error) {
	v, err := parseSingle(KindPh, raw)
	if err != nil {
		return nil, err
	}
	return &Ph{PH: v}, nil
}

func ParseDissolvedOxygen(raw string) (*DissolvedOxygen, error) {
	v, err := parseSingle(KindDissolvedOxygen, raw)
	if err != nil {
		return nil, err
	}
	return &DissolvedOxygen{Concentration: v}, nil
}

func ParseTemperature(raw string) (*Temperature, error) {
	c, err := parseSingle(KindTemperature, raw)
	if err != nil {
		return nil, err
	}
	return &Temperature{Celsius: c, Fahrenheit: CelsiusToFahrenheit(c)}, nil
}

func parseSingle(kind Kind, raw string) (float64, error) {
	fields, err := splitFields(kind, raw, 1)
	if err != nil {
		return 0, err
	}
	return parseFloat(kind, raw, fields[0])
}

// splitFields requires exactly want comma separated, non-empty fields.
func splitFields(kind Kind, raw string, want int) ([]string, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != want {
		return nil, &ParseError{Kind: kind, Raw: raw, Err: fmt.Errorf("got %d fields, want %d", len(parts), want)}
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return nil, &ParseError{Kind: kind, Raw: raw, Err: fmt.Errorf("field %d is empty", i)}
		}
	}
	return parts, nil
}

func parseFloat(kind Kind, raw, field string) (float64, error) {
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, &ParseError{Kind: kind, Raw: raw, Err: err}
	}
	return v, nil
}
