package utils

import "time"

const (
	ToolUserAgent         = "reelfetch/1.0"
	DefaultRequestTimeout = 30 * time.Second
	DefaultChunkSize      = 1024 * 1024 // 1MB
	LogFile               = ".reelfetch.log"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)
