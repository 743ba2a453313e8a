// Package logx is chatcore's structured logging layer.
//
// Logger is a small value type over zerolog:
//   - console output stays human readable (short timestamp, file:line caller)
//   - the optional file sink writes one JSON object per line
//   - warn-and-above records can be forwarded to an alert channel, paced by a
//     token bucket so a log storm never floods operators
package logx
