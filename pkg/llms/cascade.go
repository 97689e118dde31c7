package llms

import (
	"context"
	"strings"

	"github.com/kadirpekel/mantle/pkg/costs"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

// DefaultEscalationTrigger is the literal token the fast model emits to
// request hand-off to the premium model.
const DefaultEscalationTrigger = "[THINKING_MORE]"

// DefaultTransition is streamed between the fast model's acknowledgement and
// the premium model's answer.
const DefaultTransition = "\n\n"

// tailSlack pads the stream hold-back window so a trigger split across
// chunk boundaries is still caught.
const tailSlack = 16

const escalationDirective = `If the user's request involves high stakes, strong emotion, a dispute, ` +
	`or genuinely requires deeper reasoning than a quick reply, do NOT answer it. ` +
	`Instead respond with a brief empathetic acknowledgement of the request (one or two sentences, ` +
	`no substantive answer) followed by the literal token %TRIGGER% at the end. ` +
	`For routine requests, answer normally and never emit %TRIGGER%.`

// CascadeConfig configures a cascading provider pair.
type CascadeConfig struct {
	FastModel    string
	PremiumModel string
	Trigger      string // defaults to DefaultEscalationTrigger
	Transition   string // defaults to DefaultTransition
}

// Cascade composes a fast and a premium provider. The fast model answers
// routine queries; when it emits the escalation trigger the premium model is
// invoked with the original, uninjected prompt.
type Cascade struct {
	fast    Provider
	premium Provider
	cfg     CascadeConfig
}

// NewCascade wraps two providers. Both are required.
func NewCascade(fast, premium Provider, cfg CascadeConfig) *Cascade {
	if cfg.Trigger == "" {
		cfg.Trigger = DefaultEscalationTrigger
	}
	if cfg.Transition == "" {
		cfg.Transition = DefaultTransition
	}
	return &Cascade{fast: fast, premium: premium, cfg: cfg}
}

func (c *Cascade) Name() string { return c.fast.Name() + "+" + c.premium.Name() }

func (c *Cascade) MaxContextTokens() int { return c.fast.MaxContextTokens() }

func (c *Cascade) CountTokens(messages []protocol.Message) int {
	return c.fast.CountTokens(messages)
}

// injectDirective adds the escalation directive to the system prompt.
// Injection is skipped when escalation would be pointless: identical models,
// or a fast model already in the premium tier.
func (c *Cascade) injectDirective(req Request) Request {
	if c.cfg.FastModel == c.cfg.PremiumModel || costs.PremiumTier(c.cfg.FastModel) {
		return req
	}
	directive := strings.ReplaceAll(escalationDirective, "%TRIGGER%", c.cfg.Trigger)
	if req.System == "" {
		req.System = directive
	} else {
		req.System = req.System + "\n\n" + directive
	}
	return req
}

// Complete runs the fast model first, escalating to premium when the trigger
// token appears. The premium call receives the original messages and system
// prompt, never the fast model's partial reply.
func (c *Cascade) Complete(ctx context.Context, req Request) (*protocol.ProviderResponse, error) {
	fastResp, err := c.fast.Complete(ctx, c.injectDirective(req))
	if err != nil {
		return nil, err
	}

	if !strings.Contains(fastResp.Content, c.cfg.Trigger) {
		return fastResp, nil
	}

	premiumResp, err := c.premium.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	combined := fastResp.Usage.Add(premiumResp.Usage)
	combined.Cost = costs.Cost(c.cfg.FastModel, fastResp.Usage.Input, fastResp.Usage.Output) +
		costs.Cost(c.cfg.PremiumModel, premiumResp.Usage.Input, premiumResp.Usage.Output)

	return &protocol.ProviderResponse{
		Content:      premiumResp.Content,
		Usage:        combined,
		Model:        c.cfg.FastModel + "+" + c.cfg.PremiumModel,
		Provider:     c.Name(),
		ToolCalls:    premiumResp.ToolCalls,
		FinishReason: premiumResp.FinishReason,
		Raw:          premiumResp.Raw,
	}, nil
}

// Stream proxies the fast stream while holding back a tail window large
// enough to contain the trigger. When the trigger appears, the transition
// string is emitted and the premium stream takes over; otherwise the held
// tail is flushed and the stream ends.
func (c *Cascade) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	fastCh, err := c.fast.Stream(ctx, c.injectDirective(req))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)

		window := len(c.cfg.Trigger) + tailSlack
		var tail string
		escalated := false

	fastLoop:
		for chunk := range fastCh {
			switch {
			case chunk.Err != nil:
				out <- chunk
				return
			case chunk.Done:
				break fastLoop
			}

			tail += chunk.Text
			if strings.Contains(tail, c.cfg.Trigger) {
				escalated = true
				break fastLoop
			}
			if overflow := len(tail) - window; overflow > 0 {
				if !emit(ctx, out, StreamChunk{Text: tail[:overflow]}) {
					return
				}
				tail = tail[overflow:]
			}
		}

		if !escalated {
			if tail != "" && !emit(ctx, out, StreamChunk{Text: tail}) {
				return
			}
			emit(ctx, out, StreamChunk{Done: true})
			return
		}

		if !emit(ctx, out, StreamChunk{Text: c.cfg.Transition}) {
			return
		}

		premiumCh, err := c.premium.Stream(ctx, req)
		if err != nil {
			emit(ctx, out, StreamChunk{Err: err})
			return
		}
		for chunk := range premiumCh {
			if !emit(ctx, out, chunk) {
				return
			}
			if chunk.Done || chunk.Err != nil {
				return
			}
		}
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
