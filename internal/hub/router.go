package hub

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatd/internal/metrics"
)

// Router fans events out to every handle registered for a chat.
type Router struct {
	registry *Registry
	log      zerolog.Logger
}

// NewRouter creates a Router over registry.
func NewRouter(registry *Registry, log zerolog.Logger) *Router {
	return &Router{registry: registry, log: log}
}

// Broadcast delivers ev to every handle subscribed to chatID and returns the
// number of handles it was enqueued to. Handles whose buffer is full are
// evicted asynchronously; delivery to the rest continues. Broadcasts for one
// chat are serialized, so every handle sees them in submission order.
func (rt *Router) Broadcast(chatID uuid.UUID, ev Event) int {
	payload, err := Encode(ev)
	if err != nil {
		rt.log.Error().Err(err).Str("chat_id", chatID.String()).Msg("failed to encode event")
		return 0
	}
	metrics.Broadcasts.WithLabelValues(string(ev.Kind())).Inc()

	var delivered int
	var slow []Conn
	rt.registry.withMembers(chatID, func(conns map[Conn]struct{}) {
		for c := range conns {
			if c.Enqueue(payload) {
				delivered++
				continue
			}
			slow = append(slow, c)
		}
	})
	metrics.Deliveries.Add(float64(delivered))

	for _, c := range slow {
		rt.evict(chatID, c)
	}

	rt.log.Debug().
		Str("chat_id", chatID.String()).
		Str("kind", string(ev.Kind())).
		Int("delivered", delivered).
		Int("evicted", len(slow)).
		Msg("broadcast")
	return delivered
}

func (rt *Router) evict(chatID uuid.UUID, c Conn) {
	metrics.SlowConsumers.Inc()
	rt.log.Warn().
		Str("chat_id", chatID.String()).
		Str("conn_id", c.ID()).
		Str("user_id", c.UserID()).
		Msg("send buffer full; evicting slow consumer")
	go func() {
		rt.registry.Deregister(chatID, c)
		c.Close(CloseSlowConsumer, ReasonSlowConsumer)
	}()
}

// EvictUser deregisters and closes userID's handles for chatID. It returns
// how many were closed.
func (rt *Router) EvictUser(chatID uuid.UUID, userID string, code int, reason string) int {
	conns := rt.registry.ConnsForUser(chatID, userID)
	for _, c := range conns {
		rt.registry.Deregister(chatID, c)
		c.Close(code, reason)
	}
	if len(conns) > 0 {
		rt.log.Info().
			Str("chat_id", chatID.String()).
			Str("user_id", userID).
			Int("closed", len(conns)).
			Msg("evicted user connections")
	}
	return len(conns)
}
