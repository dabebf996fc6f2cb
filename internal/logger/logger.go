package logger

import "go.uber.org/zap"

type Field = zap.Field

var (
	String = zap.String
	Int    = zap.Int
	Int64  = zap.Int64
	Error  = zap.Error
	Any    = zap.Any
)

type Logger interface {
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type logger struct {
	zap *zap.Logger
}

func (l logger) Info(msg string, fields ...Field)  { l.zap.Info(msg, fields...) }
func (l logger) Warn(msg string, fields ...Field)  { l.zap.Warn(msg, fields...) }
func (l logger) Error(msg string, fields ...Field) { l.zap.Error(msg, fields...) }

func New(namespace string) Logger {
	return logger{zap: newZapLogger(namespace)}
}

func newZapLogger(namespace string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.InitialFields = map[string]interface{}{
		"namespace": namespace,
	}
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// Nop returns a logger that discards everything; used in tests.
func Nop() Logger {
	return logger{zap: zap.NewNop()}
}
