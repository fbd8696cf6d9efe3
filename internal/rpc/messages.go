package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"taskpool/internal/domain"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status values carried by an Execute response.
const (
	StatusOK             = "ok"
	StatusFailed         = "failed"
	StatusUnserializable = "unserializable"
)

// maxExactInt is the largest magnitude an integer can have and still survive
// the float64 number of a protobuf Value unchanged.
const maxExactInt = 1 << 53

// EncodeValue converts v to a protobuf Value through its JSON form. Values
// without a JSON form (funcs, channels, NaN) are rejected, as are integers
// that a float64 cannot hold exactly.
func EncodeValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := checkIntegers(raw); err != nil {
		return nil, err
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkIntegers walks the JSON document raw and rejects integer literals
// beyond ±2^53.
func checkIntegers(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return err
	}
	return walkIntegers(tree)
}

func walkIntegers(v any) error {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if strings.ContainsAny(s, ".eE") {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n > maxExactInt || n < -maxExactInt {
			return fmt.Errorf("integer %s cannot be represented exactly", s)
		}
	case []any:
		for _, e := range x {
			if err := walkIntegers(e); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, e := range x {
			if err := walkIntegers(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// EncodeCall builds the Execute request for call.
func EncodeCall(call domain.Call) (*structpb.Struct, error) {
	args := call.Args
	if args == nil {
		args = []any{}
	}
	kwargs := call.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	argsValue, err := EncodeValue(args)
	if err != nil {
		return nil, &domain.SerializationError{Function: call.Function, What: "arguments", Err: err}
	}
	kwargsValue, err := EncodeValue(kwargs)
	if err != nil {
		return nil, &domain.SerializationError{Function: call.Function, What: "keyword arguments", Err: err}
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"task_id":  structpb.NewStringValue(call.ID),
		"function": structpb.NewStringValue(call.Function),
		"args":     argsValue,
		"kwargs":   kwargsValue,
	}}, nil
}

// DecodeCall is the inverse of EncodeCall. Args and Kwargs are never nil.
func DecodeCall(in *structpb.Struct) (domain.Call, error) {
	fields := in.GetFields()
	call := domain.Call{
		ID:       fields["task_id"].GetStringValue(),
		Function: fields["function"].GetStringValue(),
		Args:     []any{},
		Kwargs:   map[string]any{},
	}
	if call.Function == "" {
		return call, errors.New("request has no function name")
	}
	if list := fields["args"].GetListValue(); list != nil {
		call.Args = list.AsSlice()
	}
	if kw := fields["kwargs"].GetStructValue(); kw != nil {
		call.Kwargs = kw.AsMap()
	}
	return call, nil
}

// Result is the decoded form of an Execute response. For StatusUnserializable
// ErrorKind names what could not be transferred.
type Result struct {
	TaskID       string
	WorkerID     string
	Status       string
	Value        any
	ErrorKind    string
	ErrorMessage string
}

// EncodeResult builds the Execute response. It fails only when r.Value has
// no JSON form.
func EncodeResult(r Result) (*structpb.Struct, error) {
	value, err := EncodeValue(r.Value)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"task_id":       structpb.NewStringValue(r.TaskID),
		"worker_id":     structpb.NewStringValue(r.WorkerID),
		"status":        structpb.NewStringValue(r.Status),
		"value":         value,
		"error_kind":    structpb.NewStringValue(r.ErrorKind),
		"error_message": structpb.NewStringValue(r.ErrorMessage),
	}}, nil
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(in *structpb.Struct) Result {
	fields := in.GetFields()
	r := Result{
		TaskID:       fields["task_id"].GetStringValue(),
		WorkerID:     fields["worker_id"].GetStringValue(),
		Status:       fields["status"].GetStringValue(),
		ErrorKind:    fields["error_kind"].GetStringValue(),
		ErrorMessage: fields["error_message"].GetStringValue(),
	}
	if v, ok := fields["value"]; ok {
		r.Value = v.AsInterface()
	}
	return r
}

// Err converts a non-ok result into the error the caller of function sees.
func (r Result) Err(function string) error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusFailed:
		return &domain.WorkerFailure{
			Function: function,
			WorkerID: r.WorkerID,
			Kind:     r.ErrorKind,
			Message:  r.ErrorMessage,
		}
	case StatusUnserializable:
		return &domain.SerializationError{
			Function: function,
			What:     r.ErrorKind,
			Err:      errors.New(r.ErrorMessage),
		}
	default:
		return fmt.Errorf("worker %s returned unknown status %q", r.WorkerID, r.Status)
	}
}

// PingInfo is the decoded form of a Ping response.
type PingInfo struct {
	WorkerID  string
	PID       int
	Functions []string
}

// EncodePing builds a Ping response.
func EncodePing(info PingInfo) *structpb.Struct {
	functions := make([]*structpb.Value, 0, len(info.Functions))
	for _, name := range info.Functions {
		functions = append(functions, structpb.NewStringValue(name))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"worker_id": structpb.NewStringValue(info.WorkerID),
		"pid":       structpb.NewNumberValue(float64(info.PID)),
		"functions": structpb.NewListValue(&structpb.ListValue{Values: functions}),
	}}
}

// DecodePing is the inverse of EncodePing.
func DecodePing(in *structpb.Struct) PingInfo {
	fields := in.GetFields()
	info := PingInfo{
		WorkerID: fields["worker_id"].GetStringValue(),
		PID:      int(fields["pid"].GetNumberValue()),
	}
	for _, v := range fields["functions"].GetListValue().GetValues() {
		info.Functions = append(info.Functions, v.GetStringValue())
	}
	return info
}
