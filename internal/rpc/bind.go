package rpc

import (
	"fmt"
	"math"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// Bind decodes a value received across the process boundary into out, which
// must be a pointer. Numbers arrive as float64 and are converted to integer
// fields only when they have no fractional part; struct fields are matched by
// their json tag. No other conversions are made.
func Bind(value any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		TagName:    "json",
		DecodeHook: integralFloatHook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(value)
}

func integralFloatHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Float64 {
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%v is not an integer", f)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if f != math.Trunc(f) || math.IsInf(f, 0) || f < 0 {
			return nil, fmt.Errorf("%v is not a non-negative integer", f)
		}
	}
	return data, nil
}
