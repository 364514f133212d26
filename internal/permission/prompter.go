package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/protocol"
)

// Prompter presents a permission dialog and reports the user's decision.
type Prompter interface {
	Prompt(ctx context.Context, requestCode int, permissions []string) (protocol.PermissionDecision, error)
}

// StaticPrompter answers every prompt the same way, for headless hosts.
type StaticPrompter struct {
	Grant bool
}

func (p StaticPrompter) Prompt(_ context.Context, _ int, permissions []string) (protocol.PermissionDecision, error) {
	granted := make([]bool, len(permissions))
	for i := range granted {
		granted[i] = p.Grant
	}
	return protocol.PermissionDecision{Granted: granted}, nil
}

// BusPrompter forwards the prompt to whichever caller-side component answers
// on the permission prompt subject.
type BusPrompter struct {
	bus *bus.Client
}

func NewBusPrompter(busClient *bus.Client) *BusPrompter {
	return &BusPrompter{bus: busClient}
}

func (p *BusPrompter) Prompt(ctx context.Context, requestCode int, permissions []string) (protocol.PermissionDecision, error) {
	data, err := json.Marshal(protocol.PermissionPrompt{RequestCode: requestCode, Permissions: permissions})
	if err != nil {
		return protocol.PermissionDecision{}, fmt.Errorf("marshal prompt: %w", err)
	}
	msg, err := p.bus.Conn().RequestWithContext(ctx, protocol.SubjectPermissionPrompt, data)
	if err != nil {
		return protocol.PermissionDecision{}, fmt.Errorf("permission prompt: %w", err)
	}
	var decision protocol.PermissionDecision
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		return protocol.PermissionDecision{}, fmt.Errorf("decode permission decision: %w", err)
	}
	return decision, nil
}

// NewPrompter selects a Prompter for cfg.Mode.
func NewPrompter(cfg config.PermissionConfig, busClient *bus.Client) (Prompter, error) {
	switch cfg.Mode {
	case "grant":
		return StaticPrompter{Grant: true}, nil
	case "deny":
		return StaticPrompter{Grant: false}, nil
	case "prompt":
		if busClient == nil {
			return nil, fmt.Errorf("permission mode prompt requires a bus client")
		}
		return NewBusPrompter(busClient), nil
	default:
		return nil, fmt.Errorf("unsupported permission mode %q", cfg.Mode)
	}
}
