package slog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeLayout = "2006/01/02 15:04:05"

// LogBuff holds log output while the logger is not writing to stdout
type LogBuff struct {
	mu   sync.Mutex
	buff []byte
}

func (lb *LogBuff) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.buff = append(lb.buff, p...)
	return len(p), nil
}

func (lb *LogBuff) flush() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b := lb.buff
	lb.buff = make([]byte, 0)
	return b
}

// switchWriter routes every core write either to stdout or to the LogBuff
type switchWriter struct {
	toBuffer atomic.Bool
	std      io.Writer
	buff     *LogBuff
}

func (w *switchWriter) Write(p []byte) (int, error) {
	if w.toBuffer.Load() {
		return w.buff.Write(p)
	}
	return w.std.Write(p)
}

func (w *switchWriter) Sync() error {
	return nil
}

// noExit keeps the process running after a fatal entry, callers decide
// whether to exit
type noExit struct{}

func (noExit) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) {}

// sink is shared by a Logger and every logger derived from it
type sink struct {
	mu     sync.Mutex
	level  zap.AtomicLevel
	colors bool
	json   bool
	caller bool
	out    *switchWriter
	base   atomic.Pointer[zap.Logger]
}

func (s *sink) rebuild() {
	var enc zapcore.Encoder
	if s.json {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:          "time",
			LevelKey:         "level",
			NameKey:          "logger",
			CallerKey:        "caller",
			MessageKey:       "msg",
			LineEnding:       zapcore.DefaultLineEnding,
			EncodeLevel:      levelEncoder(s.colors),
			EncodeTime:       zapcore.TimeEncoderOfLayout(timeLayout),
			EncodeDuration:   zapcore.StringDurationEncoder,
			EncodeCaller:     zapcore.ShortCallerEncoder,
			EncodeName:       zapcore.FullNameEncoder,
			ConsoleSeparator: separator,
		})
	}
	opts := []zap.Option{
		zap.AddCallerSkip(1),
		zap.WithFatalHook(noExit{}),
	}
	if s.caller {
		opts = append(opts, zap.AddCaller())
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(s.out), s.level)
	s.base.Store(zap.New(core, opts...))
}

// Field is a structured key/value pair attached to a log entry
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

type derived struct {
	base *zap.Logger
	z    *zap.Logger
}

// Logger is a labelled logger. Loggers created through Named or With share
// level, output and format with their parent.
type Logger struct {
	sink   *sink
	label  string
	fields []zap.Field
	cache  atomic.Pointer[derived]
}

func NewLogger(label string) *Logger {
	s := &sink{
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
		out: &switchWriter{
			std:  os.Stdout,
			buff: &LogBuff{buff: make([]byte, 0)},
		},
	}
	s.rebuild()
	return &Logger{sink: s, label: label}
}

// Named returns a logger whose label is nested under the current one
func (l *Logger) Named(label string) *Logger {
	if l.label != "" {
		label = l.label + "." + label
	}
	return &Logger{sink: l.sink, label: label, fields: l.fields}
}

// With returns a logger that adds fields to every entry
func (l *Logger) With(fields ...Field) *Logger {
	zf := make([]zap.Field, 0, len(l.fields)+len(fields))
	zf = append(zf, l.fields...)
	zf = append(zf, toZap(fields)...)
	return &Logger{sink: l.sink, label: l.label, fields: zf}
}

func (l *Logger) zl() *zap.Logger {
	base := l.sink.base.Load()
	if d := l.cache.Load(); d != nil && d.base == base {
		return d.z
	}
	z := base
	if l.label != "" {
		z = z.Named(l.label)
	}
	if len(l.fields) > 0 {
		z = z.With(l.fields...)
	}
	l.cache.Store(&derived{base: base, z: z})
	return z
}

func toZap(fields []Field) []zap.Field {
	zf := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		zf = append(zf, zap.Any(f.Key, f.Value))
	}
	return zf
}

func (l *Logger) setOption(fn func(s *sink)) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	fn(l.sink)
	l.sink.rebuild()
}

func (l *Logger) WithDebug() {
	l.sink.level.SetLevel(zapcore.DebugLevel)
}

func (l *Logger) WithInfo() {
	l.sink.level.SetLevel(zapcore.InfoLevel)
}

func (l *Logger) WithWarn() {
	l.sink.level.SetLevel(zapcore.WarnLevel)
}

func (l *Logger) WithError() {
	l.sink.level.SetLevel(zapcore.ErrorLevel)
}

func (l *Logger) WithColors() {
	l.setOption(func(s *sink) { s.colors = true })
}

func (l *Logger) WithJSON() {
	l.setOption(func(s *sink) { s.json = true })
}

// WithCaller enables caller information and returns the logger for chaining
func (l *Logger) WithCaller() *Logger {
	l.setOption(func(s *sink) { s.caller = true })
	return l
}

func (l *Logger) IsDebug() bool {
	return l.sink.level.Enabled(zapcore.DebugLevel)
}

func (l *Logger) LogToBuffer() {
	l.sink.out.toBuffer.Store(true)
}

func (l *Logger) LogToStdout() {
	l.sink.out.toBuffer.Store(false)
}

// BufferOut prints and discards everything logged while buffering
func (l *Logger) BufferOut() {
	fmt.Printf("%s", l.sink.out.buff.flush())
}

// Buffered returns a copy of the buffered output without discarding it
func (l *Logger) Buffered() string {
	lb := l.sink.out.buff
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return string(lb.buff)
}

// StdLogger adapts the logger for libraries that expect a *log.Logger
func (l *Logger) StdLogger() *log.Logger {
	std, err := zap.NewStdLogAt(l.zl().WithOptions(zap.AddCallerSkip(-1)), zapcore.DebugLevel)
	if err != nil {
		return log.New(io.Discard, "", 0)
	}
	return std
}

func (l *Logger) Printf(t string, args ...interface{}) {
	l.zl().Info(fmt.Sprintf(t, args...))
}

func (l *Logger) Debugf(t string, args ...interface{}) {
	if z := l.zl(); z.Core().Enabled(zapcore.DebugLevel) {
		z.Debug(fmt.Sprintf(t, args...))
	}
}

func (l *Logger) Infof(t string, args ...interface{}) {
	l.zl().Info(fmt.Sprintf(t, args...))
}

func (l *Logger) Warnf(t string, args ...interface{}) {
	l.zl().Warn(fmt.Sprintf(t, args...))
}

func (l *Logger) Errorf(t string, args ...interface{}) {
	l.zl().Error(fmt.Sprintf(t, args...))
}

// Fatalf logs at the highest level. It does not terminate the process.
func (l *Logger) Fatalf(t string, args ...interface{}) {
	l.zl().Fatal(fmt.Sprintf(t, args...))
}

func (l *Logger) DebugWith(msg string, fields ...Field) {
	if z := l.zl(); z.Core().Enabled(zapcore.DebugLevel) {
		z.Debug(msg, toZap(fields)...)
	}
}

func (l *Logger) InfoWith(msg string, fields ...Field) {
	l.zl().Info(msg, toZap(fields)...)
}

func (l *Logger) WarnWith(msg string, fields ...Field) {
	l.zl().Warn(msg, toZap(fields)...)
}

func (l *Logger) ErrorWith(msg string, fields ...Field) {
	l.zl().Error(msg, toZap(fields)...)
}

func (l *Logger) SetLevel(verbosity string) error {
	switch strings.ToUpper(verbosity) {
	case "DEBUG":
		l.WithDebug()
	case "INFO":
		l.WithInfo()
	case "WARN":
		l.WithWarn()
	case "ERROR":
		l.WithError()
	case "OFF":
		l.sink.level.SetLevel(zapcore.InvalidLevel)
	default:
		return fmt.Errorf("incorrect log level, expected one of [debug|info|warn|error|off]")
	}
	return nil
}
