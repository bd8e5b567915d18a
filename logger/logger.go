// Package logger provides adapters for popular logging libraries to work
// with brt's Logger interface.
//
// The adapters let you plug in an existing logger without writing
// boilerplate. Note that the standard library's slog.Logger already
// implements brt.Logger directly.
//
// Example with zap:
//
//	import (
//	    "github.com/brtdb/brt"
//	    "github.com/brtdb/brt/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    dict, err := brt.Open("data.brt", brt.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer dict.Close()
//	}
package logger
