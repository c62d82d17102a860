package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/config"
)

var (
	Logger       glog.Logger
	LogDir       string
	setupLogOnce sync.Once
	initLogOnce  sync.Once
)

func init() {
	initLogger()
}

func initLogger() {
	initLogOnce.Do(func() {
		var err error
		level := glog.LevelInfo
		if config.DebugEnabled {
			level = glog.LevelDebug
		}

		Logger, err = glog.NewConsoleWithName("grok2api", level)
		if err != nil {
			panic(fmt.Sprintf("failed to create logger: %+v", err))
		}
	})
}

// SetupLogger tees gin output into a daily log file when LogDir is set,
// and tags every entry with the hostname.
func SetupLogger() {
	setupLogOnce.Do(func() {
		if LogDir != "" {
			logPath := filepath.Join(LogDir, fmt.Sprintf(logFilePrefix+"%s.log", time.Now().Format("20060102")))
			fd, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				log.Fatal("failed to open log file")
			}
			gin.DefaultWriter = io.MultiWriter(os.Stdout, fd)
			gin.DefaultErrorWriter = io.MultiWriter(os.Stderr, fd)
		}

		hostname, err := os.Hostname()
		if err != nil {
			Logger.Panic("get hostname", zap.Error(err))
		}
		Logger = Logger.With(zap.String("host", hostname))

		if config.DebugEnabled {
			_ = Logger.ChangeLevel("debug")
			Logger.Info("running in debug mode")
		}
	})
}
