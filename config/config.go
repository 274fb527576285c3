// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug            bool
	RootDir          string
	ServiceURL       string
	RequestTimeoutMs int64
	MaxSendAttempts  int
	LoggingPrefix    string
	writer           io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithServiceURL(u string) Option {
	return func(c *Config) {
		c.ServiceURL = u
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithMaxSendAttempts(n int) Option {
	return func(c *Config) {
		c.MaxSendAttempts = n
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:            os.Getenv("DEBUG") == "1",
		ServiceURL:       "https://chat.example.org",
		RequestTimeoutMs: 10000,
		MaxSendAttempts:  3,
		LoggingPrefix:    "",
		RootDir:          ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
