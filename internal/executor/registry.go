// Flotilla is a distributed job executor for data-center fleets.
// Copyright (C) 2025 The Flotilla Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package executor

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// HandlerFunc runs one claimed job to a terminal state. Returning a
// non-nil error with the job still non-terminal makes the dispatcher
// force the job to failed.
type HandlerFunc func(ctx context.Context, run *Run) error

// Handler binds a job type to its implementation. Periodic handlers
// self-schedule: the dispatcher inserts a successor row after every
// invocation, success or failure.
type Handler struct {
	Type     string
	Run      HandlerFunc
	Periodic bool
	Interval time.Duration // successor delay; periodic only
}

// Registry is the fixed dispatch table built at startup. Flat by
// construction: one entry per job type, no chaining.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler; duplicate types are a programming error.
func (g *Registry) Register(h Handler) error {
	if h.Type == "" || h.Run == nil {
		return fmt.Errorf("registry: handler missing type or func")
	}
	if h.Periodic && h.Interval <= 0 {
		return fmt.Errorf("registry: periodic handler %q missing interval", h.Type)
	}
	if _, exists := g.handlers[h.Type]; exists {
		return fmt.Errorf("registry: duplicate handler type %q", h.Type)
	}
	g.handlers[h.Type] = h
	return nil
}

// MustRegister panics on registration failure; used at startup only.
func (g *Registry) MustRegister(h Handler) {
	if err := g.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a job type.
func (g *Registry) Lookup(jobType string) (Handler, bool) {
	h, ok := g.handlers[jobType]
	return h, ok
}

// Periodics returns the periodic handlers in stable order.
func (g *Registry) Periodics() []Handler {
	var out []Handler
	for _, h := range g.handlers {
		if h.Periodic {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
