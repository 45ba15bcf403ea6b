// Package canctl drives a CAN-compatible bus controller through its
// lifecycle and runs frames through it.
//
// It includes:
//   - A Frame type with validation, SocketCAN binary marshaling and
//     per-frame transmit flags (single-shot, self-reception)
//   - Timing presets, acceptance filter and general controller configuration
//   - A Session that installs, starts, stops and uninstalls a Driver and
//     maps driver results onto a small error taxonomy
//   - A zap-logging Driver decorator
//
// Drivers live in subpackages: sim (in-memory), socketcan (Linux) and
// slcan (serial adapters).
package canctl
