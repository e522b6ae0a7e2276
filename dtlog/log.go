package dtlog

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	config zap.Config
	root   *zap.Logger
	logger *zap.SugaredLogger
)

func init() {
	var err error
	config = zap.NewProductionConfig()
	config.EncoderConfig = zap.NewProductionEncoderConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.Sampling = nil
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	root, err = config.Build()
	if err != nil {
		panic(err)
	}
	logger = root.Sugar()
}

// Logger is the structured, leveled logger every long-lived component
// (Reactor, Agent, Master, Executor, Container) carries with its own
// identity fields pre-bound.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
}

// New returns a logger with the given structured context bound to it.
func New(keysAndValues ...interface{}) Logger {
	return logger.With(keysAndValues...)
}

// SetDebug sets the process-wide log level to debug.
func SetDebug() {
	config.Level.SetLevel(zap.DebugLevel)
}

// SetInfo sets the process-wide log level to info.
func SetInfo() {
	config.Level.SetLevel(zap.InfoLevel)
}

// SetWarn sets the process-wide log level to warn.
func SetWarn() {
	config.Level.SetLevel(zap.WarnLevel)
}

// SetError sets the process-wide log level to error.
func SetError() {
	config.Level.SetLevel(zap.ErrorLevel)
}
