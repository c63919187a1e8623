// Package script runs JavaScript session hooks with goja.
//
// A script sees one global object, emu, plus two registration functions:
//
//	emu.reg(name)            read a register ("r0".."r12", "sp", "lr", "pc", "cpsr")
//	emu.setReg(name, value)  write a register
//	emu.read32(addr)         read a big-endian word
//	emu.write32(addr, value) write a big-endian word
//	print(...)               write a line to the session output
//	onRead(addr, fn)         fn(addr) runs before every read of addr
//	onWrite(addr, fn)        fn(addr, value) runs after every write to addr
//
// If the script defines setup(emu) it is called before the core starts;
// finish(emu) is called after the last pass.
package script

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/bootrace/internal/arm"
	"github.com/zboralski/bootrace/internal/device"
	glog "github.com/zboralski/bootrace/internal/log"
)

// Host is the part of the core exposed to scripts.
type Host interface {
	arm.RegisterFile
	device.Memory
}

// Engine is a compiled script bound to one session.
type Engine struct {
	name string
	prog *goja.Program
	vm   *goja.Runtime
	emu  *goja.Object
	out  io.Writer
	log  *glog.Logger
}

// Compile parses src. name is used in error positions.
func Compile(name, src string) (*Engine, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Engine{
		name: name,
		prog: prog,
		out:  os.Stdout,
		log:  glog.Get().WithCategory("script"),
	}, nil
}

// Load reads and compiles a script file.
func Load(path string) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Compile(path, string(src))
}

// SetOutput redirects print. Must be called before Bind.
func (e *Engine) SetOutput(w io.Writer) {
	e.out = w
}

// Bind installs the globals and evaluates the script top level. Handlers
// registered with onRead/onWrite go into devices.
func (e *Engine) Bind(host Host, devices *device.Registry) error {
	vm := goja.New()
	e.vm = vm

	emu := vm.NewObject()
	emu.Set("reg", func(call goja.FunctionCall) goja.Value {
		v, err := host.RegRead(e.reg(call.Argument(0)))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(v)
	})
	emu.Set("setReg", func(call goja.FunctionCall) goja.Value {
		if err := host.RegWrite(e.reg(call.Argument(0)), e.u32(call.Argument(1))); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	emu.Set("read32", func(call goja.FunctionCall) goja.Value {
		b, err := host.MemRead(e.u32(call.Argument(0)), 4)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(binary.BigEndian.Uint32(b))
	})
	emu.Set("write32", func(call goja.FunctionCall) goja.Value {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e.u32(call.Argument(1)))
		if err := host.MemWrite(e.u32(call.Argument(0)), b[:]); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	e.emu = emu
	vm.Set("emu", emu)

	vm.Set("print", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		fmt.Fprintln(e.out, strings.Join(parts, " "))
		return goja.Undefined()
	})

	vm.Set("onRead", func(call goja.FunctionCall) goja.Value {
		addr := e.u32(call.Argument(0))
		fn := e.callable(call.Argument(1))
		devices.Register(device.Def{
			Name: "script",
			Addr: addr,
			Read: func(mem device.Memory, a uint32) error {
				_, err := fn(goja.Undefined(), vm.ToValue(a))
				return err
			},
		})
		return goja.Undefined()
	})
	vm.Set("onWrite", func(call goja.FunctionCall) goja.Value {
		addr := e.u32(call.Argument(0))
		fn := e.callable(call.Argument(1))
		devices.Register(device.Def{
			Name: "script",
			Addr: addr,
			Write: func(mem device.Memory, a uint32, value uint64) error {
				_, err := fn(goja.Undefined(), vm.ToValue(a), vm.ToValue(value))
				return err
			},
		})
		return goja.Undefined()
	})

	if _, err := vm.RunProgram(e.prog); err != nil {
		return fmt.Errorf("run %s: %w", e.name, err)
	}
	return nil
}

// Setup calls setup(emu) if the script defines it.
func (e *Engine) Setup() error {
	return e.call("setup")
}

// Finish calls finish(emu) if the script defines it.
func (e *Engine) Finish() error {
	return e.call("finish")
}

// Has reports whether the script defines a global function called name.
func (e *Engine) Has(name string) bool {
	if e.vm == nil {
		return false
	}
	_, ok := goja.AssertFunction(e.vm.Get(name))
	return ok
}

func (e *Engine) call(name string) error {
	if e.vm == nil {
		return fmt.Errorf("%s: script not bound", name)
	}
	fn, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil
	}
	e.log.Debug("call", glog.Fn(name), zap.String("script", e.name))
	if _, err := fn(goja.Undefined(), e.emu); err != nil {
		return fmt.Errorf("%s %s: %w", e.name, name, err)
	}
	return nil
}

func (e *Engine) reg(v goja.Value) arm.Reg {
	r, err := arm.ParseReg(v.String())
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return r
}

func (e *Engine) u32(v goja.Value) uint32 {
	return uint32(v.ToInteger())
}

func (e *Engine) callable(v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(e.vm.NewTypeError("handler is not a function"))
	}
	return fn
}
