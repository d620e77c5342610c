package sio

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrHandlerType reports that a value registered as an event handler is not a
// function.
var ErrHandlerType = errors.New("sio: handler must be a func")

// callback wraps a user-supplied handler function. Argument values are
// unmarshaled from the packet payload by the active parser; return values, if
// any, become the acknowledgment payload when the inbound event carried an id.
type callback struct {
	fn       reflect.Value
	args     []reflect.Type
	variadic bool
}

func newCallback(fn interface{}) (*callback, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, got %T", ErrHandlerType, fn)
	}
	t := v.Type()
	args := make([]reflect.Type, t.NumIn())
	for i := range args {
		args[i] = t.In(i)
	}
	return &callback{fn: v, args: args, variadic: t.IsVariadic()}, nil
}

// mustCallback panics on an invalid handler. Registration paths whose
// signatures cannot carry an error use it; an invalid handler surfaces at the
// registration site.
func mustCallback(fn interface{}) *callback {
	cb, err := newCallback(fn)
	if err != nil {
		panic(err)
	}
	return cb
}

func (c *callback) Call(au ArgsUnmarshaler, data []byte, buffer [][]byte) ([]reflect.Value, error) {
	in, err := au.UnmarshalArgs(c.args, data, buffer)
	if err != nil {
		return nil, err
	}
	if c.variadic {
		return c.fn.CallSlice(in), nil
	}
	return c.fn.Call(in), nil
}
