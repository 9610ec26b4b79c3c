package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/qs3c/coverletter_server/internal/pkg/generator"
)

// FakeGenerator 按 Chunks 依次回调，Err 非 nil 时在输出完后返回
type FakeGenerator struct {
	mu     sync.Mutex
	Chunks []string
	Err    error
	Inputs []*generator.Input
}

func (g *FakeGenerator) Stream(ctx context.Context, in *generator.Input, onChunk func(string) error) (string, error) {
	g.mu.Lock()
	g.Inputs = append(g.Inputs, in)
	chunks := g.Chunks
	genErr := g.Err
	g.mu.Unlock()

	var sb strings.Builder
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}
		sb.WriteString(c)
		if onChunk != nil {
			if err := onChunk(c); err != nil {
				return sb.String(), err
			}
		}
	}
	if genErr != nil {
		return sb.String(), genErr
	}
	return sb.String(), nil
}

func (g *FakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Inputs)
}
