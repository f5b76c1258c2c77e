package predict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Request field names, in feature-vector order.
const (
	FieldNitrogen    = "nitrogen"
	FieldPhosphorus  = "phosphorus"
	FieldPotassium   = "potassium"
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldPH          = "ph"
	FieldRainfall    = "rainfall"
)

// FieldNames lists the required request fields in feature-vector order.
func FieldNames() []string {
	return []string{
		FieldNitrogen,
		FieldPhosphorus,
		FieldPotassium,
		FieldTemperature,
		FieldHumidity,
		FieldPH,
		FieldRainfall,
	}
}

// Features holds the seven agronomic inputs of a prediction request.
type Features struct {
	Nitrogen    float64
	Phosphorus  float64
	Potassium   float64
	Temperature float64
	Humidity    float64
	PH          float64
	Rainfall    float64
}

// Vector returns the inputs as [N, P, K, temperature, humidity, ph, rainfall].
func (f Features) Vector() []float64 {
	return []float64{f.Nitrogen, f.Phosphorus, f.Potassium, f.Temperature, f.Humidity, f.PH, f.Rainfall}
}

// DecodeFeatures parses a JSON request body. Every field must be present and
// coercible to a float; no range validation is performed.
func DecodeFeatures(body []byte) (Features, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Features{}, invalidInput("", errors.New("request body must be a JSON object"))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Features{}, invalidInput("", fmt.Errorf("request body must be a JSON object: %w", err))
	}
	if raw == nil {
		return Features{}, invalidInput("", errors.New("request body must be a JSON object"))
	}

	var f Features
	targets := []*float64{&f.Nitrogen, &f.Phosphorus, &f.Potassium, &f.Temperature, &f.Humidity, &f.PH, &f.Rainfall}
	for i, name := range FieldNames() {
		value, ok := raw[name]
		if !ok {
			return Features{}, invalidInput(name, errors.New("missing required field"))
		}
		v, err := coerceFloat(value)
		if err != nil {
			return Features{}, invalidInput(name, err)
		}
		*targets[i] = v
	}
	return f, nil
}

// coerceFloat accepts JSON numbers, numeric strings, and booleans.
func coerceFloat(value json.RawMessage) (float64, error) {
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return 0, err
	}

	var (
		v   float64
		err error
	)
	switch typed := decoded.(type) {
	case json.Number:
		v, err = strconv.ParseFloat(typed.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("number %s out of range", typed.String())
		}
	case string:
		v, err = strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, fmt.Errorf("could not convert string to float: %q", typed)
		}
	case bool:
		if typed {
			v = 1
		}
	case nil:
		return 0, errors.New("value must be a number, not null")
	default:
		return 0, fmt.Errorf("value must be a number, not %s", jsonKind(decoded))
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("value must be a finite number")
	}
	return v, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
