//go:build !(amd64 && linux)

package meow

import "github.com/pkg/errors"

// The template JIT only targets linux/amd64; everywhere else every proto
// takes the interpreter path. Omitting the JIT never affects correctness.

type jitCode struct{}

func (c *jitCode) size() int { return 0 }

func (c *jitCode) run(regs *Value) {}

func (c *jitCode) release() {}

func compileJIT(p *Proto) (*jitCode, error) {
	return nil, errors.New("jit unavailable on this platform")
}
