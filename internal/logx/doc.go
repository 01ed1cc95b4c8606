package logx

// Package logx provides a very small opinionated wrapper around Go's standard
// library logging facilities. Its goal is to offer a consistent way to emit
// logs per pipeline component while keeping migration friction low.
//
// Key Features
//
//   - Per-component loggers via ForService(name)
//   - Automatic prefix in every line: `[name>]`  (example: `[haconnector>] streaming`)
//   - Convenience level helpers: Infof, Warnf, Errorf, Debugf
//   - Debug logging can be enabled globally (SetGlobalDebug) or per component
//     (EnableDebugFor / DisableDebugFor)
//   - Uses the standard library *log.Logger* under the hood (no external deps)
//   - Central output writer (SetOutput) that updates existing loggers
//
// Non-Goals (for now)
//
//   - Full-featured leveled logging framework
//   - Structured / JSON logging
//   - Log sampling, rotation, or asynchronous buffering
//
// Basic Usage
//
//	import "github.com/ha-telemetry/ingestor/internal/logx"
//
//	func main() {
//		logx.SetGlobalDebug(true)
//		l := logx.ForService("haconnector")
//		l.Infof("connecting")
//		l.Warnf("heartbeat missed")
//		l.Debugf("raw frame: %s", frame)
//	}
//
// Thread Safety
//
// All exported functions are safe for concurrent use.
