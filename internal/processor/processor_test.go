package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/metrics"
	"spool/pkg/models"
)

type funcProcessor struct {
	name string
	fn   func(msgs []*models.Message) ([]*models.Message, error)
}

func (p *funcProcessor) Name() string { return p.name }
func (p *funcProcessor) Process(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	return p.fn(msgs)
}

func message(fields map[string]interface{}) *models.Message {
	msg := models.NewMessage(fields)
	msg.Source = models.Source{InputID: "udp-1", NodeID: "node-a"}
	return msg
}

func testDeps() Deps {
	return Deps{Logger: logger.NopLogger()}
}

func build(t *testing.T, cfgs ...config.ProcessorConfig) *Chain {
	t.Helper()
	chain, err := Build(DefaultFactories(), cfgs, testDeps())
	require.NoError(t, err)
	return chain
}

func TestChain_NextProcessorSeesOnlySurvivors(t *testing.T) {
	var seen []string
	split := &funcProcessor{name: "split", fn: func(msgs []*models.Message) ([]*models.Message, error) {
		var out []*models.Message
		for _, m := range msgs {
			a, b := m.Copy(), m.Copy()
			a.SetField("part", "a")
			b.SetField("part", "b")
			b.Filtered = true
			out = append(out, a, b)
		}
		return out, nil
	}}
	record := &funcProcessor{name: "record", fn: func(msgs []*models.Message) ([]*models.Message, error) {
		for _, m := range msgs {
			seen = append(seen, m.GetString("part"))
		}
		return msgs, nil
	}}

	filtered := metrics.MessagesFilteredTotal.WithLabelValues("split")
	before := testutil.ToFloat64(filtered)

	out, err := NewChain(split, record).Run(context.Background(), []*models.Message{message(nil), message(nil)})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, []string{"a", "a"}, seen)
	assert.Equal(t, before+2, testutil.ToFloat64(filtered))
}

func TestChain_ErrorStops(t *testing.T) {
	called := false
	failing := &funcProcessor{name: "failing", fn: func([]*models.Message) ([]*models.Message, error) {
		return nil, errors.New("boom")
	}}
	after := &funcProcessor{name: "after", fn: func(msgs []*models.Message) ([]*models.Message, error) {
		called = true
		return msgs, nil
	}}

	_, err := NewChain(failing, after).Run(context.Background(), []*models.Message{message(nil)})
	assert.ErrorContains(t, err, "processor failing")
	assert.False(t, called)
}

func TestChain_Empty(t *testing.T) {
	msgs := []*models.Message{message(nil)}
	out, err := NewChain().Run(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestBuild(t *testing.T) {
	chain := build(t,
		config.ProcessorConfig{Type: "static_fields", StaticFields: config.StaticFieldsConfig{Fields: map[string]interface{}{"env": "prod"}}},
		config.ProcessorConfig{Type: "route", Name: "alerts", Route: config.RouteConfig{Rules: []config.RuleConfig{{Expression: `true`, Stream: "all"}}}},
	)
	assert.Equal(t, []string{"static_fields-0", "alerts"}, chain.Names())

	_, err := Build(DefaultFactories(), []config.ProcessorConfig{{Type: "geoip"}}, testDeps())
	assert.ErrorContains(t, err, "unknown processor type")

	_, err = Build(DefaultFactories(), []config.ProcessorConfig{{
		Type:   "cel_filter",
		Filter: config.FilteringConfig{Rules: []config.RuleConfig{{Expression: `fields.level`}}},
	}}, testDeps())
	assert.Error(t, err)

	_, err = Build(DefaultFactories(), []config.ProcessorConfig{{Type: "dedup"}}, testDeps())
	assert.ErrorContains(t, err, "requires database.redis")
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name     string
		fallback string
		fields   map[string]interface{}
		want     bool
	}{
		{name: "all rules pass", fields: map[string]interface{}{"level": "error", "service": "api"}, want: true},
		{name: "rule rejects", fields: map[string]interface{}{"level": "debug", "service": "api"}, want: false},
		{name: "eval error allows", fields: map[string]interface{}{"level": "error"}, want: true},
		{name: "eval error denies", fallback: "deny", fields: map[string]interface{}{"level": "error"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := build(t, config.ProcessorConfig{
				Type: "cel_filter",
				Name: "errors-only",
				Filter: config.FilteringConfig{
					Rules: []config.RuleConfig{
						{ID: "level", Expression: `fields.level == "error"`},
						{ID: "service", Expression: `fields.service == "api"`},
					},
					Fallback: config.FallbackConfig{OnError: tt.fallback},
				},
			})

			out, err := chain.Run(context.Background(), []*models.Message{message(tt.fields)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, len(out) == 1)
		})
	}
}

func TestRoute(t *testing.T) {
	chain := build(t, config.ProcessorConfig{
		Type: "route",
		Route: config.RouteConfig{Rules: []config.RuleConfig{
			{Expression: `fields.level == "error"`, Stream: "alerts"},
			{Expression: `input == "udp-1"`, Stream: "udp"},
			{Expression: `fields.missing == "x"`, Stream: "never"},
		}},
	})

	msg := message(map[string]interface{}{"level": "error"})
	msg.AddStream("default")

	out, err := chain.Run(context.Background(), []*models.Message{msg})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"default", "alerts", "udp"}, out[0].Streams)
}

func TestStaticFields(t *testing.T) {
	tests := []struct {
		name      string
		overwrite bool
		want      string
	}{
		{name: "keeps existing", overwrite: false, want: "staging"},
		{name: "overwrites", overwrite: true, want: "prod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := build(t, config.ProcessorConfig{
				Type: "static_fields",
				StaticFields: config.StaticFieldsConfig{
					Fields:    map[string]interface{}{"env": "prod", "dc": "fra1"},
					Overwrite: tt.overwrite,
				},
			})

			out, err := chain.Run(context.Background(), []*models.Message{message(map[string]interface{}{"env": "staging"})})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0].Fields["env"])
			assert.Equal(t, "fra1", out[0].Fields["dc"])
		})
	}
}
