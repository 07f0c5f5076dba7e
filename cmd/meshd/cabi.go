//go:build cgo

// C ABI surface for hosting environments that embed the node as a
// library rather than run it as a standalone process: a thin adapter
// over core.Node's RPC submission/drain queue, carrying no independent
// logic of its own.
package main

import "C"

import (
	"context"
	"os"
	"sync"
	"unsafe"

	"github.com/spf13/pflag"

	"github.com/qaul-go/meshcore/internal/config"
	"github.com/qaul-go/meshcore/internal/core"
	"github.com/qaul-go/meshcore/internal/logging"
)

const maxRPCSize = 500_000

var (
	cabiOnce sync.Once
	cabiNode *core.Node

	pendingMu  sync.Mutex
	pendingRPC []byte
)

//export start
func start() {
	cabiOnce.Do(func() {
		log := logging.New("meshd-cabi")
		configPath := peekConfigFlag(os.Args[1:])
		fs := pflag.NewFlagSet("meshd-cabi", pflag.ContinueOnError)
		fs.String("config", configPath, "path to a YAML config file")
		cfg, err := config.Load(fs, os.Args[1:], configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		node, _, err := bootstrapNode(cfg, log)
		if err != nil {
			log.Fatalf("bootstrap node: %v", err)
		}
		node.Run(context.Background(), tickInterval)
		cabiNode = node
	})
}

//export send_rpc
func send_rpc(ptr *C.char, length C.int) C.int {
	if ptr == nil {
		return -1
	}
	if int(length) > maxRPCSize {
		return -2
	}
	data := C.GoBytes(unsafe.Pointer(ptr), length)
	// Queue-full submissions are swallowed: the C ABI contract defines
	// no backpressure code, so a dropped request still reports success.
	_ = cabiNode.SubmitRPC(data)
	return 0
}

//export recv_rpc
func recv_rpc(buf *C.char, capacity C.int) C.int {
	if buf == nil {
		return -3
	}
	if cabiNode == nil {
		return -1 // start() has not run
	}

	pendingMu.Lock()
	defer pendingMu.Unlock()

	if pendingRPC == nil {
		resp, ok := cabiNode.TryDrainRPC()
		if !ok {
			return 0
		}
		pendingRPC = resp
	}

	if len(pendingRPC) > int(capacity) {
		return -2
	}

	n := copy(unsafe.Slice((*byte)(unsafe.Pointer(buf)), len(pendingRPC)), pendingRPC)
	pendingRPC = nil
	return C.int(n)
}
