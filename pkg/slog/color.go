package slog

import "go.uber.org/zap/zapcore"

const separator = " - "

var (
	resetColor       = "\033[0m"
	greyBold         = "\033[1;90m"
	redBrightBold    = "\033[1;91m"
	redBold          = "\033[1;31m"
	yellowBrightBold = "\033[1;93m"
	blueBrightBold   = "\033[1;94m"
	cyanBold         = "\033[1;36m"
)

func paint(m string, color string, colorOn bool) string {
	if colorOn {
		return color + m + resetColor
	}
	return m
}

func levelTag(lvl zapcore.Level, colorOn bool) string {
	switch lvl {
	case zapcore.DebugLevel:
		return paint("DEBU", blueBrightBold, colorOn)
	case zapcore.InfoLevel:
		return paint("INFO", cyanBold, colorOn)
	case zapcore.WarnLevel:
		return paint("WARN", yellowBrightBold, colorOn)
	case zapcore.ErrorLevel:
		return paint("ERRO", redBold, colorOn)
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return paint("FATA", redBrightBold, colorOn)
	}
	return paint(lvl.CapitalString(), greyBold, colorOn)
}

func levelEncoder(colorOn bool) zapcore.LevelEncoder {
	return func(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(levelTag(lvl, colorOn))
	}
}
