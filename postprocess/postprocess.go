// Package postprocess runs named processors over folders that a completed
// transfer filled. Processor failures are collected and logged; they never
// change the outcome of the transfer that triggered them.
package postprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Processor works on one folder.
type Processor interface {
	Name() string
	Run(ctx context.Context, folder string) error
}

// Failure records one processor failing on one folder.
type Failure struct {
	Folder    string
	Processor string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s on %s: %v", f.Processor, f.Folder, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Pipeline holds the registered processors and the set enabled by config.
type Pipeline struct {
	log zerolog.Logger

	mu         sync.RWMutex
	processors []Processor
	enabled    map[string]bool
}

// NewPipeline returns a pipeline that runs the processors named in enabled,
// in registration order.
func NewPipeline(enabled []string, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		log:     log.With().Str("component", "postprocess").Logger(),
		enabled: make(map[string]bool, len(enabled)),
	}
	for _, name := range enabled {
		p.enabled[name] = true
	}
	return p
}

// Register adds a processor. A processor with the same name replaces the
// earlier one.
func (p *Pipeline) Register(proc Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.processors {
		if existing.Name() == proc.Name() {
			p.processors[i] = proc
			return
		}
	}
	p.processors = append(p.processors, proc)
}

// SetEnabled turns a processor on or off.
func (p *Pipeline) SetEnabled(name string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.enabled[name] = true
	} else {
		delete(p.enabled, name)
	}
}

// Enabled returns the names of the registered processors that will run.
func (p *Pipeline) Enabled() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for _, proc := range p.processors {
		if p.enabled[proc.Name()] {
			names = append(names, proc.Name())
		}
	}
	return names
}

func (p *Pipeline) active() []Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Processor
	for _, proc := range p.processors {
		if p.enabled[proc.Name()] {
			out = append(out, proc)
		}
	}
	return out
}

// Process runs every enabled processor over every folder and returns the
// failures. A cancelled ctx stops before the next processor starts.
func (p *Pipeline) Process(ctx context.Context, folders []string) []Failure {
	procs := p.active()
	var failures []Failure
	for _, folder := range folders {
		for _, proc := range procs {
			if err := ctx.Err(); err != nil {
				failures = append(failures, Failure{Folder: folder, Processor: proc.Name(), Err: err})
				return failures
			}
			p.log.Info().Str("folder", folder).Str("processor", proc.Name()).Msg("running")
			if err := proc.Run(ctx, folder); err != nil {
				p.log.Error().Err(err).Str("folder", folder).Str("processor", proc.Name()).Msg("processor failed")
				failures = append(failures, Failure{Folder: folder, Processor: proc.Name(), Err: err})
			}
		}
	}
	p.log.Info().Int("folders", len(folders)).Int("failures", len(failures)).Msg("postprocessing finished")
	return failures
}
