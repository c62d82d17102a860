package common

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
)

var (
	Port         = flag.Int("port", 8000, "the listening port")
	LogDir       = flag.String("log-dir", os.Getenv("LOG_DIR"), "specify the log directory")
	PrintVersion = flag.Bool("version", false, "print version and exit")
)

func Init() {
	flag.Parse()

	if *PrintVersion {
		fmt.Println(Version)
		os.Exit(0)
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		logger.Logger.Fatal("failed to create data dir", zap.String("data_dir", config.DataDir), zap.Error(err))
	}

	if *LogDir != "" {
		expanded := expandLogDirPath(*LogDir)
		lg := logger.Logger.With(zap.String("log_dir", expanded))

		var err error
		expanded, err = filepath.Abs(expanded)
		if err != nil {
			lg.Fatal("failed to get absolute log dir", zap.Error(err))
		}
		if err = os.MkdirAll(expanded, 0o777); err != nil {
			lg.Fatal("failed to create log dir", zap.Error(err))
		}

		lg.Info("set log dir", zap.String("log_dir", expanded))
		logger.LogDir = expanded
		*LogDir = expanded
	}
}
