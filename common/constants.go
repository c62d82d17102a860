package common

import "time"

// Version is overwritten at build time with -ldflags "-X github.com/chenyme/grok2api/common.Version=..."
var Version = "v0.0.0"

var StartTime = time.Now().Unix()
