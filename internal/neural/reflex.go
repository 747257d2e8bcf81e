package neural

import (
	"context"
	"math/rand"
	"strings"
	"sync"
)

// reflexPool is a name, class tagged set of candidate responses for the
// ReflexBackend. Pools are keyed by pattern name rather than Class because
// the set also holds "lookup" and "error" pools that no Class maps to.
// Invoke only selects pools through poolForClass, so "lookup" is never
// served and "error" is used only when the selected pool is empty.
var reflexPools = map[string][]string{
	"ping": {
		"Salut ! \U0001F44B Je suis toujours là.",
		"Coucou ! \U0001F600",
		"Hey ! Prêt à discuter.",
		"Present ! \U0001F3AE",
		"Yo, ça va ?",
	},
	"lookup": {
		"Je cherche ça pour toi...",
		"Un instant, je vérifie.",
		"Recherche en cours \U0001F50D",
		"Laisse-moi regarder ça.",
		"Je fouille la base de données.",
	},
	"gen_short": {
		"Pas bête, ça !",
		"Intéressant \U0001F914",
		"Haha, bien joué.",
		"Ah, je vois.",
		"Ça me parle.",
	},
	"gen_long": {
		"C'est une bonne question, laisse-moi y réfléchir un instant avant de te répondre correctement.",
		"Alors, pour bien répondre à ça il faudrait creuser un peu plus, mais en gros voilà l'idée.",
		"C'est un sujet assez vaste, je vais essayer de rester concis tout en couvrant l'essentiel.",
		"Hmm, il y a plusieurs façons de voir ça, laisse-moi t'en donner une rapide.",
		"Je vais tenter une réponse complète sans trop m'étendre.",
	},
	"error": {
		"Oups, petit souci technique \U0001F527",
		"Désolé, ça a coincé de mon côté.",
		"Erreur interne, je me reconnecte.",
		"Un problème est survenu, réessaie dans un instant.",
		"Ça a buggé, my bad.",
	},
}

// poolForClass maps a Class to the pattern pool used when no more specific
// pool name was requested.
func poolForClass(c Class) string {
	switch c {
	case ClassPing:
		return "ping"
	case ClassLong:
		return "gen_long"
	case ClassShort:
		return "gen_short"
	default:
		return "gen_short"
	}
}

// ReflexBackend is the always-available templated fallback. It never
// fails and never suspends.
type ReflexBackend struct {
	mu      sync.Mutex
	recent  map[string][]string // per-pool recently used responses (bounded window)
	trials  int64
	reward  float64
	usage   map[string]int64
}

// NewReflexBackend constructs a ready-to-use ReflexBackend.
func NewReflexBackend() *ReflexBackend {
	return &ReflexBackend{
		recent: make(map[string][]string),
		usage:  make(map[string]int64),
	}
}

// Name identifies this backend.
func (r *ReflexBackend) Name() string { return "reflex" }

// CanExecute always returns true — reflex is the backend of last resort.
func (r *ReflexBackend) CanExecute() bool { return true }

// Invoke selects a templated response for the classified pool, avoiding
// the last five responses used from that pool. If every entry in the
// pool is in the recent window, the window is reset. For long stimuli
// classified as gen_short or gen_long, the longest pool entry is
// preferred.
func (r *ReflexBackend) Invoke(_ context.Context, req Request) (string, error) {
	pool := poolForClass(req.Class)
	reply := r.pick(pool, req.Prompt)

	r.mu.Lock()
	r.trials++
	r.reward += 0.5
	r.usage[pool]++
	r.mu.Unlock()

	return reply, nil
}

func (r *ReflexBackend) pick(pool string, stimulus string) string {
	entries := reflexPools[pool]
	if len(entries) == 0 {
		entries = reflexPools["error"]
		pool = "error"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.recent[pool]
	candidates := make([]string, 0, len(entries))
	for _, e := range entries {
		if !contains(recent, e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		// Every entry is in the recent window — reset it.
		r.recent[pool] = nil
		candidates = append(candidates, entries...)
	}

	var chosen string
	if (pool == "gen_short" || pool == "gen_long") && len(strings.TrimSpace(stimulus)) > 60 {
		chosen = longest(candidates)
	} else {
		chosen = candidates[rand.Intn(len(candidates))]
	}

	window := append(r.recent[pool], chosen)
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	r.recent[pool] = window

	return chosen
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func longest(s []string) string {
	best := s[0]
	for _, x := range s[1:] {
		if len(x) > len(best) {
			best = x
		}
	}
	return best
}

// Stats returns a simulated bandit snapshot: reflex never closes its
// circuit and carries a constant ~0.5 average reward so the dispatcher
// can rank it consistently against the other two backends.
func (r *ReflexBackend) Stats() BackendStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return BackendStats{
		Name:             r.Name(),
		Circuit:          CircuitClosed,
		EMASuccessRate:   1.0,
		Trials:           r.trials,
		CumulativeReward: r.reward,
		Successes:        r.trials,
	}
}

// UsageDistribution returns a copy of the per-pool usage counters, for a
// !diagnostics-style command.
func (r *ReflexBackend) UsageDistribution() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.usage))
	for k, v := range r.usage {
		out[k] = v
	}
	return out
}

// fallbackReply returns the class-specific templated reply used by the
// Dispatcher when no backend can execute or the selected backend fails.
func fallbackReply(c Class) string {
	switch c {
	case ClassPing:
		return "I'm here."
	case ClassLong:
		return "Thinking — try again shortly."
	default:
		return "Sorry, small hiccup."
	}
}
