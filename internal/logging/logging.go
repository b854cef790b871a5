// Package logging builds this daemon's package-level logger. It follows
// cppla-moto's utils/log.go wiring (zap core over a lumberjack rotating
// sink, JSON encoding, level gated by config) in place of the teacher's
// log/slog-based tracing, since zap+lumberjack is the real third-party
// logging stack present in the retrieved pack.
package logging

import (
	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/usertcp/tuntcp/internal/config"
)

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// New builds a SugaredLogger writing JSON lines to config.Global.Log.Path
// through a rotating lumberjack sink, at the level named by
// config.Global.Log.Level (defaulting to info for an unrecognized name).
func New() *zap.SugaredLogger {
	level, ok := levelMap[config.Global.Log.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.Global.Log.Path,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, enabler)
	return zap.New(core, zap.AddCaller()).Sugar()
}
