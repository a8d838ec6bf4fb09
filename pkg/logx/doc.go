// Package logx is driverelay's structured logging layer.
//
// A thin wrapper (logx.Logger) over zerolog gives every component:
//   - readable console lines (short timestamp, file:line caller)
//   - an optional JSON file sink
//   - an optional Telegram ops sink for WARN and above, rate limited
//
// The zero Logger is a no-op, so components can accept one without nil checks.
package logx
