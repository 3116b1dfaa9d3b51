package decoding

import (
	"context"

	"spool/internal/codec"
	"spool/pkg/models"
)

func (s *Stage) enrich(ctx context.Context, msg *models.Message, env *models.Envelope, cfg codec.Config, seq uint16) {
	input, node := s.hopIdentity(ctx, env)

	msg.Source = env.Source
	msg.Source.Relays = append([]models.Relay(nil), env.Source.Relays...)
	msg.Source.InputID = input
	msg.Source.NodeID = node
	msg.ReceivedAt = env.ReceivedAt
	msg.Sequence = seq
	if msg.Codec == "" {
		msg.Codec = cfg.Name
	}

	msg.SetField(models.FieldSourceInput, input)
	msg.SetField(models.FieldSourceNode, node)

	if env.Source.RemoteAddr != "" {
		msg.SetField(models.FieldRemoteIP, env.Source.RemoteAddr)
	}
	if env.Source.RemotePort > 0 {
		msg.SetField(models.FieldRemotePort, env.Source.RemotePort)
	}
	if env.Source.Hostname != "" {
		msg.SetField(models.FieldRemoteHostname, env.Source.Hostname)
	}

	switch {
	case cfg.OverrideSource != "":
		msg.SetField(models.FieldSource, cfg.OverrideSource)
	case msg.HasField(models.FieldSource):
	case env.Source.Hostname != "":
		msg.SetField(models.FieldSource, env.Source.Hostname)
	case env.Source.RemoteAddr != "":
		msg.SetField(models.FieldSource, env.Source.RemoteAddr)
	default:
		msg.SetField(models.FieldSource, models.UnknownSource)
	}

	if !msg.HasField(models.FieldTimestamp) {
		msg.SetField(models.FieldTimestamp, env.ReceivedAt.UTC())
	}
}

// hopIdentity walks relays oldest first and then the envelope's own source.
// The last non-empty value wins.
func (s *Stage) hopIdentity(ctx context.Context, env *models.Envelope) (input, node string) {
	for _, hop := range env.Source.Relays {
		if hop.InputID != "" {
			input = hop.InputID
		}
		if hop.NodeID != "" {
			node = hop.NodeID
		}
	}

	relayInput, relayNode := input, node
	if env.Source.InputID != "" {
		input = env.Source.InputID
	}
	if env.Source.NodeID != "" {
		node = env.Source.NodeID
	}

	if len(env.Source.Relays) > 0 && (relayInput != input || relayNode != node) {
		s.logger.DebugwCtx(ctx, "Relay hops disagree on origin, using last hop",
			"input_id", input,
			"node_id", node,
			"relay_input_id", relayInput,
			"relay_node_id", relayNode,
			"hops", len(env.Source.Relays),
		)
	}
	return input, node
}
