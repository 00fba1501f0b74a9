package websocket

import (
	"fmt"
	"reflect"
)

type ackInvoker func(err error, payload map[string]any)

// extractAck splits a trailing acknowledgement callback off the event args.
func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts whatever callback shape the transport hands us to ackInvoker.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	if typ.IsVariadic() && typ.NumIn() == 1 {
		// Client acks arrive as func(...any); the payload already carries the error.
		return func(_ error, payload map[string]any) {
			value.Call([]reflect.Value{coerceValue(payload, typ.In(0).Elem())})
		}
	}
	return func(err error, payload map[string]any) {
		value.Call(buildAckArgs(typ, err, payload))
	}
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		var argValue any
		switch {
		case numIn == 1:
			argValue = payload
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		}
		args[i] = coerceValue(argValue, typ.In(i))
	}
	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}
	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	if targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String {
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}
	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		valueValue := reflect.ValueOf(val)
		if !valueValue.IsValid() {
			continue
		}
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if !valueValue.Type().ConvertibleTo(targetType.Elem()) {
				continue
			}
			valueValue = valueValue.Convert(targetType.Elem())
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}
