package telemetry

import (
	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// NewFactory returns a Factory that clones def for every named component
// logger it hands out, keeping formatter, output and level in sync while
// letting each component be filtered or tagged independently.
func NewFactory(def *logrus.Logger) *Factory {
	return &Factory{def: def}
}

type Factory struct {
	def *logrus.Logger
}

func (f *Factory) New(name string) *logrus.Logger {
	hooks := mapz.Clone(f.def.Hooks)

	l := &logrus.Logger{
		Out:          f.def.Out,
		Formatter:    f.def.Formatter,
		Hooks:        hooks,
		Level:        f.def.Level,
		ExitFunc:     f.def.ExitFunc,
		ReportCaller: f.def.ReportCaller,
	}
	l.AddHook(WhoHook{Name: name})
	return l
}

// WhoHook stamps every log entry with the component that emitted it.
type WhoHook struct {
	Name string
}

func (w WhoHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w WhoHook) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}
