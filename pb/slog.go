package relay_pb

import "log/slog"

var _ slog.LogValuer = (*RPC)(nil)

func (m *RPC) LogValue() slog.Value {
	// Messages
	var msgs []any
	for _, msg := range m.Publish {
		msgs = append(msgs, slog.Group(
			"message",
			slog.String("topic", msg.GetTopic()),
			slog.Int("dataLen", len(msg.Data)),
		))
	}

	var fields []slog.Attr
	if len(msgs) > 0 {
		fields = append(fields, slog.Group("publish", msgs...))
	}
	if m.Control != nil {
		fields = append(fields, slog.Any("control", m.Control))
	}
	if m.Subscriptions != nil {
		fields = append(fields, slog.Any("subscriptions", m.Subscriptions))
	}
	return slog.GroupValue(fields...)
}

var _ slog.LogValuer = (*ControlMessage)(nil)

func (m *ControlMessage) LogValue() slog.Value {
	fields := make([]slog.Attr, 0, 4)
	if n := len(m.Ihave); n > 0 {
		fields = append(fields, slog.Int("ihave", n))
	}
	if n := len(m.Iwant); n > 0 {
		fields = append(fields, slog.Int("iwant", n))
	}
	if n := len(m.Graft); n > 0 {
		fields = append(fields, slog.Int("graft", n))
	}
	if n := len(m.Prune); n > 0 {
		fields = append(fields, slog.Int("prune", n))
	}
	return slog.GroupValue(fields...)
}
