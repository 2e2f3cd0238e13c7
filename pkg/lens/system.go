package lens

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

type SystemInfoArgs struct{}

type SystemMethodsArgs struct{}

// MethodInfo describes one registered method.
type MethodInfo struct {
	Name      string `json:"name" yaml:"name"`
	Lens      string `json:"lens" yaml:"lens"`
	Streaming bool   `json:"streaming" yaml:"streaming"`
	Policy    string `json:"policy" yaml:"policy"`
}

type SystemInfo struct {
	Version   string    `json:"version" yaml:"version"`
	GoVersion string    `json:"go_version" yaml:"go_version"`
	OS        string    `json:"os" yaml:"os"`
	Arch      string    `json:"arch" yaml:"arch"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Uptime    string    `json:"uptime" yaml:"uptime"`
	CachePath string    `json:"cache_path" yaml:"cache_path"`
}

type SystemLensOpts struct {
	Version   string
	CachePath string
	// Methods lists the methods of the running dispatcher.
	Methods func() []MethodInfo
}

type SystemLens struct {
	*BP
	opts    SystemLensOpts
	started time.Time
}

func NewSystemLens(opts SystemLensOpts, logger *zap.Logger) *SystemLens {
	return &SystemLens{BP: NewBP("system", logger), opts: opts, started: time.Now()}
}

func (l *SystemLens) Query(_ context.Context, args any, _ Sink) (any, error) {
	switch args.(type) {
	case *SystemInfoArgs:
		return &SystemInfo{
			Version:   l.opts.Version,
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			StartedAt: l.started.UTC(),
			Uptime:    time.Since(l.started).Truncate(time.Second).String(),
			CachePath: l.opts.CachePath,
		}, nil
	case *SystemMethodsArgs:
		if l.opts.Methods == nil {
			return []MethodInfo{}, nil
		}
		return l.opts.Methods(), nil
	default:
		return nil, l.unsupported(args)
	}
}
