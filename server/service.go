package server

import (
	"context"
	"fmt"
	"reflect"
)

type methodType struct {
	method      reflect.Method
	withContext bool
	ArgType     reflect.Type
	ReplyType   reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService inspects rcvr and collects its RPC methods. The service is named
// after the receiver's type unless name is given.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported methods of suitable type", name)
	}
	return s, nil
}

// registerMethods keeps exported methods shaped like
//
//	func (r *T) M(args *A, reply *R) error
//	func (r *T) M(ctx context.Context, args *A, reply *R) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withContext := false
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			first, withContext = 2, true
		case mt.NumIn() == 3:
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[m.Name] = &methodType{
			method:      m,
			withContext: withContext,
			ArgType:     mt.In(first).Elem(),
			ReplyType:   mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	var results []reflect.Value
	if mt.withContext {
		results = mt.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv})
	} else {
		results = mt.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	}
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}
