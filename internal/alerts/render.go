package alerts

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/liamashdown/peggwatch/internal/model"
)

// Renderer turns an alert into a message. It decides wording only, never routing.
type Renderer interface {
	Render(a *model.Alert) Message
}

// Quote pool names
const (
	PoolDepegAlert = "depeg_alert"
	PoolDepegged   = "depegged"
	PoolRecovery   = "recovery"
	PoolWhaleIn    = "whale_in"
	PoolWhaleOut   = "whale_out"
	PoolWhale      = "whale"
	PoolSystem     = "system"
	PoolDigest     = "digest_" // suffixed with the stability level
)

var defaultQuotes = map[string][]string{
	PoolDepegAlert: {
		"Pegg is getting nervous...",
		"Something smells off in the stablecoin pond.",
		"A wobble today, a headline tomorrow?",
		"This is fine. Probably.",
	},
	PoolDepegged: {
		"The peg has left the building.",
		"Pegg is not okay.",
		"One dollar, allegedly.",
		"Check your exposure before you check the memes.",
	},
	PoolRecovery: {
		"Back to a dollar. Pegg exhales.",
		"Crisis averted, for now.",
		"The peg holds. Pegg returns to the lily pad.",
	},
	PoolWhaleIn: {
		"A big splash just landed in the pond.",
		"Someone backed up the money truck.",
		"Whale spotted heading in.",
	},
	PoolWhaleOut: {
		"A lot of zeros just left the building.",
		"The whales are migrating.",
		"Big money is on the move.",
	},
	PoolWhale: {
		"Big money is on the move.",
		"Pegg is taking notes.",
	},
	PoolSystem: {
		"Pegg tripped over a cable.",
		"Even frogs need a moment.",
	},
	PoolDigest + "EXCELLENT": {
		"A perfectly boring day. Pegg loves it.",
		"All quiet in the stablecoin kingdom.",
	},
	PoolDigest + "GOOD": {
		"Solid day, small ripples.",
		"Pegg approves.",
	},
	PoolDigest + "FAIR": {
		"Seen better, seen worse.",
		"Pegg is cautiously optimistic.",
	},
	PoolDigest + "POOR": {
		"Pegg did not enjoy today.",
		"Rough waters in the pond.",
	},
	PoolDigest + "CRITICAL": {
		"Pegg needs a lie down.",
		"Not a day for leverage.",
	},
}

// QuoteRenderer renders alerts and picks a closing quote from a seeded source
type QuoteRenderer struct {
	mu    sync.Mutex
	rng   *rand.Rand
	pools map[string][]string
}

// NewRenderer creates a renderer; equal seeds give equal quote sequences
func NewRenderer(seed int64) *QuoteRenderer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &QuoteRenderer{
		rng:   rand.New(rand.NewSource(seed)),
		pools: defaultQuotes,
	}
}

// Quote returns a random line from the named pool, or "" for an unknown pool
func (r *QuoteRenderer) Quote(pool string) string {
	lines := r.pools[pool]
	if len(lines) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lines[r.rng.Intn(len(lines))]
}

// Render builds the title, fields and quote for an alert
func (r *QuoteRenderer) Render(a *model.Alert) Message {
	meta := a.Meta()
	msg := Message{
		AlertID:   a.ID,
		Category:  a.Category,
		Kind:      a.Kind,
		Severity:  a.Severity,
		Subject:   a.Subject,
		Body:      a.Message,
		Timestamp: time.Unix(a.CreatedTS, 0).UTC(),
		Alert:     a,
	}
	if u, ok := meta["explorer_url"].(string); ok {
		msg.URL = u
	}

	var pool string
	switch a.Kind {
	case model.KindDepeg:
		if a.Severity == model.SeverityCritical {
			msg.Title = fmt.Sprintf("🚨 %s depegged", a.Subject)
			pool = PoolDepegged
		} else {
			msg.Title = fmt.Sprintf("⚠️ %s peg alert", a.Subject)
			pool = PoolDepegAlert
		}
	case model.KindRecovery:
		msg.Title = fmt.Sprintf("✅ %s recovered", a.Subject)
		pool = PoolRecovery
	case model.KindWhale:
		msg.Title = fmt.Sprintf("🐋 Whale transfer: %s", a.Subject)
		switch meta["direction"] {
		case string(model.DirectionIn):
			pool = PoolWhaleIn
		case string(model.DirectionOut):
			pool = PoolWhaleOut
		default:
			pool = PoolWhale
		}
	case model.KindDigest:
		msg.Title = "📊 Daily digest"
		if level, ok := meta["stability_level"].(string); ok {
			pool = PoolDigest + level
		}
	case model.KindError:
		msg.Title = fmt.Sprintf("❗ %s error", a.Subject)
		pool = PoolSystem
	default:
		msg.Title = a.Subject
	}

	// a digest carries the quote it was stored with
	if q, ok := meta["quote"].(string); ok && q != "" {
		msg.Quote = q
	} else {
		msg.Quote = r.Quote(pool)
	}

	msg.Fields = fieldsFor(meta)
	return msg
}

var fieldOrder = []string{
	"symbol", "price", "deviation_pct", "change_24h",
	"amount", "token", "network", "direction", "from", "to", "account", "tx_id",
	"stability_level", "stability_ratio", "avg_deviation", "best_performer", "worst_performer",
	"whale_count", "alert_count",
}

var fieldLabels = map[string]string{
	"deviation_pct":   "Deviation %",
	"change_24h":      "24h Change",
	"tx_id":           "Tx",
	"stability_level": "Stability",
	"stability_ratio": "Stable Ratio",
	"avg_deviation":   "Avg Deviation",
	"best_performer":  "Best",
	"worst_performer": "Worst",
	"whale_count":     "Whale Transfers",
	"alert_count":     "Alerts",
}

func fieldsFor(meta map[string]any) []Field {
	known := make(map[string]bool, len(fieldOrder))
	var fields []Field
	for _, key := range fieldOrder {
		known[key] = true
		if v, ok := meta[key]; ok {
			fields = append(fields, Field{Name: label(key), Value: formatValue(key, v)})
		}
	}

	var extra []string
	for key := range meta {
		if !known[key] && key != "quote" && key != "explorer_url" {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		fields = append(fields, Field{Name: label(key), Value: formatValue(key, meta[key])})
	}
	return fields
}

func label(key string) string {
	if l, ok := fieldLabels[key]; ok {
		return l
	}
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

func formatValue(key string, v any) string {
	switch val := v.(type) {
	case float64:
		switch key {
		case "price":
			return fmt.Sprintf("$%.4f", val)
		case "deviation_pct", "change_24h":
			return fmt.Sprintf("%.2f%%", val)
		case "stability_ratio":
			return fmt.Sprintf("%.0f%%", val*100)
		}
		return fmt.Sprintf("%g", val)
	case string:
		switch key {
		case "from", "to", "account":
			return shortenAddress(val)
		case "tx_id":
			return shortenHash(val)
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}

func shortenAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func shortenHash(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-6:]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
