package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init dev 环境输出彩色控制台日志；其余环境输出 JSON 并写入滚动日志文件。
func Init(env, logDir string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	}
	var w io.Writer = os.Stdout
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			rotating := &lumberjack.Logger{
				Filename:   filepath.Join(logDir, "messenger.log"),
				MaxSize:    100,
				MaxBackups: 7,
				MaxAge:     30,
				Compress:   true,
			}
			w = io.MultiWriter(os.Stdout, rotating)
		}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}
