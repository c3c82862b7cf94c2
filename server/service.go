package server

import (
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService inspects rcvr and collects its RPC methods. The service is
// named after the receiver's struct type.
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterMethods keeps exported methods shaped like
//
//	func (r *T) Method(args *Args, reply *Reply) error
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// Call invokes the method as receiver.Method(argv, replyv).
func (s *service) Call(mType *methodType, argv, replyv reflect.Value) error {
	results := mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}
