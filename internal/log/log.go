// Package log provides a package-level zap logger for programs embedding the
// vantage driver. The driver itself takes its logger as a parameter to
// vantage.Open and does not import this package.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseLogger *zap.Logger
	log        *zap.SugaredLogger
)

// Init configures the package-level logger: JSON to stdout, debug level
// when debug is true, info level otherwise.
func Init(debug bool) error {
	var encoderConfig zapcore.EncoderConfig
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "message"
	encoderConfig.CallerKey = "caller"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var level zapcore.Level
	if debug {
		level = zapcore.DebugLevel
	} else {
		level = zapcore.InfoLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	baseLogger = zap.New(core, zap.AddCaller())
	log = baseLogger.Sugar()

	return nil
}

// GetZapLogger returns the base zap logger, falling back to a bare
// production logger if Init was never called.
func GetZapLogger() *zap.Logger {
	if baseLogger == nil {
		baseLogger, _ = zap.NewProduction()
		log = baseLogger.Sugar()
	}
	return baseLogger
}

// GetSugaredLogger returns the package-level sugared logger, falling back
// to a bare production logger if Init was never called.
func GetSugaredLogger() *zap.SugaredLogger {
	if log == nil {
		baseLogger, _ = zap.NewProduction()
		log = baseLogger.Sugar()
	}
	return log
}

// Sync flushes any buffered log entries.
func Sync() {
	if log != nil {
		log.Sync()
	}
}

func Debug(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Debug(args...)
}

func Debugf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Debugf(template, args...)
}

func Info(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Info(args...)
}

func Infof(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Infof(template, args...)
}

func Warn(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Warn(args...)
}

func Warnf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Warnf(template, args...)
}

func Error(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Error(args...)
}

func Errorf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Errorf(template, args...)
}

func Fatal(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Fatal(args...)
	os.Exit(1)
}

func Fatalf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Fatalf(template, args...)
	os.Exit(1)
}
