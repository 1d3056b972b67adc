package area

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Recepção", "recepcao"},
		{"Pasteurização", "pasteurizacao"},
		{"Recebimento de Leite Cru", "recebimento_de_leite_cru"},
		{"  ", "unknown"},
		{"", "unknown"},
		{"Área 01!!", "area_01"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Slugify(c.in), "slugify(%q)", c.in)
	}
}

func TestRouter_ResolveBySite_DuplicateSlugsCollapse(t *testing.T) {
	r := NewRouter(RouterConfig{Config: Config{
		Sites: []string{"Pasteurização", "pasteurizacao "},
	}})

	require.Len(t, r.Areas(), 1)
	a := r.ResolveBySite("pasteurizacao")
	assert.Equal(t, "pasteurizacao", a.Slug)
	assert.Equal(t, "Pasteurização", a.Site, "first configured site keeps identity")
}

func TestRouter_ResolveBySite_AliasRoutesToCanonical(t *testing.T) {
	r := NewRouter(RouterConfig{Config: Config{
		Sites:   []string{"Recepção"},
		Aliases: map[string]string{"Recebimento de Leite Cru": "Recepção"},
	}})

	a := r.ResolveBySite("Recebimento de Leite Cru")
	assert.Equal(t, "recepcao", a.Slug)
}

func TestRouter_ResolveBySite_UnknownFallsBackToFirstArea(t *testing.T) {
	r := NewRouter(RouterConfig{Config: Config{
		Sites: []string{"Recepção", "Utilidades"},
	}})

	a := r.ResolveBySite("Some Unconfigured Site")
	assert.Equal(t, "recepcao", a.Slug, "falls back to first configured area")
}

func TestRouter_Derive_IsPureStringComposition(t *testing.T) {
	r := NewRouter(RouterConfig{
		Config:                    Config{Sites: []string{"Recepção"}},
		TelemetryRoutingKeyPrefix: "telemetry",
	})

	rt := r.DeriveTelemetry("Recepção")
	assert.Equal(t, "queue.recepcao", rt.Queue)
	assert.Equal(t, "retry.recepcao", rt.RetryQueue)
	assert.Equal(t, "dlq.recepcao", rt.DLQ)
	assert.Equal(t, "dlx.recepcao", rt.DLXExchange)
	assert.Equal(t, "telemetry.recepcao.#", rt.BindingKey)
	assert.Equal(t, "telemetry.recepcao.retry", rt.RetryRoutingKey)
	assert.Equal(t, "recepcao.dead", rt.DLQRoutingKey)
	assert.Equal(t, "telemetry.recepcao.client-01", rt.PublishRoutingKey("client-01"))

	alertRt := r.DeriveAlerts("Recepção")
	assert.Equal(t, "alerts.recepcao.client-01", alertRt.PublishRoutingKey("client-01"))
}

func TestRouter_ResolveBySite_Idempotent(t *testing.T) {
	r := NewRouter(RouterConfig{Config: Config{Sites: []string{"Recepção"}}})
	site := "Recepção"
	a1 := r.ResolveBySite(Slugify(site))
	a2 := r.ResolveBySite(site)
	assert.Equal(t, a1.Slug, a2.Slug)
}
