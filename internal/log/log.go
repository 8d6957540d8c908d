package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide sugared logger. It defaults to a no-op so
// library code and tests can log before Init configures real sinks.
var Logger = zap.NewNop().Sugar()

type LogConfig struct {
	Filename   string // log file path, empty means console only
	MaxSize    int    // max size per file in MB
	MaxBackups int    // rotated files to keep
	MaxAge     int    // days to keep rotated files
	Compress   bool   // gzip rotated files
	Level      zapcore.Level
	Console    bool // also write to stdout/stderr
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Filename:   "crater.log",
		MaxSize:    10,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
		Level:      zapcore.InfoLevel,
		Console:    true,
	}
}

func InitLogger(config LogConfig) {
	encoder := getEncoder()

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel && lvl >= config.Level
	})

	var cores []zapcore.Core

	if config.Filename != "" {
		fileWriter := getLogWriter(config)
		fileCore := zapcore.NewCore(encoder, fileWriter, zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= config.Level
		}))
		cores = append(cores, fileCore)
		config.Console = false
	}

	if config.Console {
		// info and below to stdout, errors to stderr
		stdoutCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lowPriority)
		stderrCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), highPriority)
		cores = append(cores, stdoutCore, stderrCore)
	}

	core := zapcore.NewTee(cores...)

	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	Logger = logger.Sugar()
}

// Init configures the logger from a filename and a textual level, the two
// knobs the config file exposes.
func Init(filename, level string) {
	config := DefaultLogConfig()
	config.Filename = filename
	if level != "" {
		l, err := zapcore.ParseLevel(level)
		if err != nil {
			panic(err)
		}
		config.Level = l
	}
	InitLogger(config)
}

// Close flushes buffered log entries.
func Close() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getLogWriter(config LogConfig) zapcore.WriteSyncer {
	lumberJackLogger := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	return zapcore.AddSync(lumberJackLogger)
}
