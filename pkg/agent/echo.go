package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

const EchoModelName = "echo"

// EchoAgent answers every prompt with a text part echoing it. It needs no
// network access and is used for local runs and tests. Usage is the token
// count of the history, the prompt and the reply in cl100k_base.
type EchoAgent struct {
	// Prefix is prepended to the echoed prompt.
	Prefix string
	// Delay simulates model latency. Run returns ctx.Err() if ctx is done first.
	Delay time.Duration

	once  sync.Once
	codec tokenizer.Codec
}

var _ Agent = (*EchoAgent)(nil)

func NewEchoAgent(prefix string, delay time.Duration) *EchoAgent {
	return &EchoAgent{Prefix: prefix, Delay: delay}
}

func (e *EchoAgent) Run(ctx context.Context, req Request) (*ModelMessage, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "echo agent")
		case <-time.After(e.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "echo agent")
	}

	reply := e.Prefix + req.Prompt
	ret := TextResponse(EchoModelName, reply)
	ret.VendorDetails = map[string]any{"history_length": len(req.History)}

	if usage, ok := e.countTokens(req, reply); ok {
		ret.Usage = &usage
	}
	return ret, nil
}

func (e *EchoAgent) countTokens(req Request, reply string) (int, bool) {
	e.once.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("could not load tokenizer, usage will not be reported")
			return
		}
		e.codec = c
	})
	if e.codec == nil {
		return 0, false
	}

	var sb strings.Builder
	sb.WriteString(req.Instructions)
	for _, m := range req.History {
		for _, p := range m.Parts {
			sb.WriteString(p.Content)
			if p.ToolName != "" {
				sb.WriteString(p.ToolName)
			}
			if len(p.Args) > 0 {
				sb.WriteString(fmt.Sprint(p.Args))
			}
		}
	}
	sb.WriteString(req.Prompt)
	sb.WriteString(reply)

	ids, _, err := e.codec.Encode(sb.String())
	if err != nil {
		log.Warn().Err(err).Msg("could not count tokens")
		return 0, false
	}
	return len(ids), true
}
