package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")
	ErrUnsupportedArgument = errors.New("argument type can not be decoded from json")

	ErrTooMuchArguments = errors.New("too much arguments")
	ErrMissingArguments = errors.New("missing arguments")
	ErrInvalidArgument  = errors.New("invalid argument")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	in  []reflect.Type
	out []reflect.Type
	fn  reflect.Value
	// number of leading non-context arguments the caller must send
	required int
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	numIn := fnType.NumIn()
	if numIn == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	in := make([]reflect.Type, 0, numIn-1)
	required := 0
	for i := 1; i < numIn; i++ {
		argType := fnType.In(i)
		switch argType.Kind() { //nolint:exhaustive
		case reflect.Chan, reflect.Func, reflect.UnsafePointer:
			return methodHandler{}, fmt.Errorf("%w: %s", ErrUnsupportedArgument, argType)
		case reflect.Ptr:
		default:
			required = len(in) + 1
		}
		in = append(in, argType)
	}

	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}
	out := make([]reflect.Type, numOut)
	for i := range out {
		out[i] = fnType.Out(i)
	}

	return methodHandler{in: in, out: out, fn: reflect.ValueOf(fn), required: required}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := h.decodeParams(params)
	if err != nil {
		return nil, err
	}
	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outError error
	if last := results[len(results)-1]; !last.IsNil() {
		errVal, ok := last.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outError = errVal
	}
	if len(results) == 1 {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// decodeParams unmarshals positional params, omitted trailing pointer arguments stay nil
func (h methodHandler) decodeParams(params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(h.in) {
		return nil, ErrTooMuchArguments
	}
	if len(params) < h.required {
		return nil, fmt.Errorf("%w: want at least %d, got %d", ErrMissingArguments, h.required, len(params))
	}

	args := make([]reflect.Value, len(h.in))
	for i, argType := range h.in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w %d: %w", ErrInvalidArgument, i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}

func isParamsError(err error) bool {
	return errors.Is(err, ErrTooMuchArguments) || errors.Is(err, ErrMissingArguments) || errors.Is(err, ErrInvalidArgument)
}
