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

	ErrTooManyArguments = errors.New("too many arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	fn        reflect.Value
	in        []reflect.Type
	hasResult bool
}

func newMethodHandler(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	in := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		in = append(in, fnType.In(i))
	}
	return methodHandler{fn: reflect.ValueOf(fn), in: in, hasResult: numOut == 2}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := h.arguments(params)
	if err != nil {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outError error
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		outError, _ = errVal.Interface().(error)
	}
	if !h.hasResult {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// arguments decodes positional params, missing trailing params take their zero values
func (h methodHandler) arguments(params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(h.in) {
		return nil, ErrTooManyArguments
	}
	args := make([]reflect.Value, len(h.in))
	for i, argType := range h.in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
