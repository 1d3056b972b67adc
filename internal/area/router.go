// Package area normalizes plant site names into canonical slugs and derives
// the per-area broker routing names every other component composes from.
package area

import (
	"fmt"
	"strings"
)

// diacriticFold maps accented Latin-1 Supplement and Latin Extended-A runes
// commonly found in Portuguese site names (Recepção, Pasteurização,
// Armazém, ...) to their unaccented ASCII base letter. Unicode normalization
// libraries do this more generally, but the site names this system handles
// are a closed, known set, so a direct fold table avoids a dependency whose
// only job would be stripping combining marks.
var diacriticFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n', 'ý': 'y',
	'Á': 'A', 'À': 'A', 'Â': 'A', 'Ã': 'A', 'Ä': 'A', 'Å': 'A',
	'É': 'E', 'È': 'E', 'Ê': 'E', 'Ë': 'E',
	'Í': 'I', 'Ì': 'I', 'Î': 'I', 'Ï': 'I',
	'Ó': 'O', 'Ò': 'O', 'Ô': 'O', 'Õ': 'O', 'Ö': 'O',
	'Ú': 'U', 'Ù': 'U', 'Û': 'U', 'Ü': 'U',
	'Ç': 'C', 'Ñ': 'N', 'Ý': 'Y',
}

func foldDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if folded, ok := diacriticFold[r]; ok {
			r = folded
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Area is a logical plant section: a human site name plus its canonical,
// process-lifetime-stable slug.
type Area struct {
	Site    string
	Slug    string
	Aliases []string
}

// Routing is the set of broker names derived from an Area for one stream
// (telemetry or alerts).
type Routing struct {
	Queue            string
	RetryQueue       string
	DLQ              string
	DLXExchange      string
	BindingKey       string
	RetryRoutingKey  string
	DLQRoutingKey    string
	PublishRoutingKey func(clientID string) string
}

// Slugify normalizes site into a lowercase ASCII identifier: fold the
// accented letters listed in diacriticFold to their ASCII base, lowercase,
// collapse runs of non-alphanumerics to a single underscore, trim
// leading/trailing underscores. There is no general Unicode normalization:
// a non-ASCII letter outside diacriticFold (or a combining mark) is treated
// as a separator. Empty input (or input that normalizes to empty) yields
// "unknown".
func Slugify(site string) string {
	ascii := foldDiacritics(site)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(ascii) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "unknown"
	}
	return slug
}

// Config is the static, boot-time area configuration: the ordered list of
// configured sites plus a legacy-name alias table.
type Config struct {
	Sites   []string          // human site names, e.g. from RABBITMQ_SITES
	Aliases map[string]string // legacy slug -> canonical slug
}

// Router resolves sites and slugs to Areas and derives their routing names.
type Router struct {
	bySlug     map[string]Area
	order      []string // slugs in configuration order; order[0] is the fallback area
	aliases    map[string]string
	telemetry  routingPrefixes
	alerts     routingPrefixes
}

type routingPrefixes struct {
	routingKeyPrefix string
	queueBase        string
	retryQueueBase   string
	dlqBase          string
	dlxPrefix        string
	deadKeySuffix    string
}

// RouterConfig configures the broker naming prefixes used by Derive.
type RouterConfig struct {
	Config
	TelemetryRoutingKeyPrefix string // RABBIT_ROUTING_KEY_PREFIX
	TelemetryQueueBase        string // RABBITMQ_QUEUE
	TelemetryRetryQueueBase   string // RABBITMQ_RETRY_QUEUE
	TelemetryDLQBase          string // RABBITMQ_DLQ
	AlertQueueBase            string // ALERTS_QUEUE
	AlertRetryQueueBase       string // ALERTS_RETRY_QUEUE
	AlertDLQBase              string // ALERTS_DLQ
}

// NewRouter builds a Router from RouterConfig. Two sites that slugify to the
// same identifier collapse into one Area; the first one configured keeps
// identity and later duplicates only contribute to the alias list.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		bySlug:  make(map[string]Area),
		aliases: make(map[string]string),
		telemetry: routingPrefixes{
			routingKeyPrefix: orDefault(cfg.TelemetryRoutingKeyPrefix, "telemetry"),
			queueBase:        orDefault(cfg.TelemetryQueueBase, "queue"),
			retryQueueBase:   orDefault(cfg.TelemetryRetryQueueBase, "retry"),
			dlqBase:          orDefault(cfg.TelemetryDLQBase, "dlq"),
			dlxPrefix:        "dlx",
			deadKeySuffix:    "dead",
		},
		alerts: routingPrefixes{
			routingKeyPrefix: "alerts",
			queueBase:        orDefault(cfg.AlertQueueBase, "alertQueue"),
			retryQueueBase:   orDefault(cfg.AlertRetryQueueBase, "alertRetry"),
			dlqBase:          orDefault(cfg.AlertDLQBase, "alertDlq"),
			dlxPrefix:        "alerts.dlx",
			deadKeySuffix:    "alert.dead",
		},
	}

	for _, site := range cfg.Sites {
		slug := Slugify(site)
		if existing, ok := r.bySlug[slug]; ok {
			existing.Aliases = append(existing.Aliases, site)
			r.bySlug[slug] = existing
			continue
		}
		r.bySlug[slug] = Area{Site: site, Slug: slug}
		r.order = append(r.order, slug)
	}

	for legacy, canonical := range cfg.Aliases {
		r.aliases[Slugify(legacy)] = Slugify(canonical)
	}

	return r
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ResolveBySite slugifies site, applies the alias table, and returns the
// matching Area, falling back to the first configured area when nothing
// matches.
func (r *Router) ResolveBySite(site string) Area {
	slug := Slugify(site)
	if canonical, ok := r.aliases[slug]; ok {
		slug = canonical
	}
	if a, ok := r.bySlug[slug]; ok {
		return a
	}
	if len(r.order) > 0 {
		return r.bySlug[r.order[0]]
	}
	return Area{Site: site, Slug: slug}
}

// ResolveBySlug looks up an Area by its canonical slug.
func (r *Router) ResolveBySlug(slug string) (Area, bool) {
	if canonical, ok := r.aliases[slug]; ok {
		slug = canonical
	}
	a, ok := r.bySlug[slug]
	return a, ok
}

// Areas returns all configured areas in configuration order.
func (r *Router) Areas() []Area {
	out := make([]Area, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.bySlug[slug])
	}
	return out
}

// DeriveTelemetry returns the telemetry-stream routing names for site.
func (r *Router) DeriveTelemetry(site string) Routing {
	return r.derive(r.ResolveBySite(site).Slug, r.telemetry)
}

// DeriveAlerts returns the alert-stream routing names for site.
func (r *Router) DeriveAlerts(site string) Routing {
	return r.derive(r.ResolveBySite(site).Slug, r.alerts)
}

func (r *Router) derive(slug string, p routingPrefixes) Routing {
	prefix := p.routingKeyPrefix
	return Routing{
		Queue:           fmt.Sprintf("%s.%s", p.queueBase, slug),
		RetryQueue:      fmt.Sprintf("%s.%s", p.retryQueueBase, slug),
		DLQ:             fmt.Sprintf("%s.%s", p.dlqBase, slug),
		DLXExchange:     fmt.Sprintf("%s.%s", p.dlxPrefix, slug),
		BindingKey:      fmt.Sprintf("%s.%s.#", prefix, slug),
		RetryRoutingKey: fmt.Sprintf("%s.%s.retry", prefix, slug),
		DLQRoutingKey:   fmt.Sprintf("%s.%s", slug, p.deadKeySuffix),
		PublishRoutingKey: func(clientID string) string {
			return fmt.Sprintf("%s.%s.%s", prefix, slug, clientID)
		},
	}
}
