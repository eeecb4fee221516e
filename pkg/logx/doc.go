// Package logx is nagbot's structured logging: a small wrapper over zerolog
// with readable console output (short timestamp and caller), JSON file
// output, and an optional Telegram sink with a minimum level and a rate
// limit.
package logx
