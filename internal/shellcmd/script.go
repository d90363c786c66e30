package shellcmd

import (
	"context"
	"fmt"
	"strings"
)

// ParseScript extracts runnable commands from script text. Blank
// lines and #-comments are skipped; everything else is one command
// per line, trimmed.
func ParseScript(text string) []string {
	var cmds []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		cmds = append(cmds, trimmed)
	}
	return cmds
}

// RunScript runs the script's commands in order, fanning each one out
// across the whole selection before moving to the next. Every command
// produces its own block. A dead context stops the sequence; the
// blocks finished so far come back together with the context error.
func (e *Executor) RunScript(ctx context.Context, serials []string, script string) ([]*Block, error) {
	cmds := ParseScript(script)
	if len(cmds) == 0 {
		return nil, fmt.Errorf("script contains no runnable commands")
	}
	blocks := make([]*Block, 0, len(cmds))
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return blocks, err
		}
		block, err := e.Run(ctx, serials, cmd)
		if block != nil {
			blocks = append(blocks, block)
		}
		if err != nil {
			return blocks, err
		}
	}
	return blocks, nil
}
