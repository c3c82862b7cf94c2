package main

import "errors"

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is the demo service published by muxrpcd.
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}
