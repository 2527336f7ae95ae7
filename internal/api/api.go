// Package api serves the read side of the chat core over REST: channel
// resolution, message history, and the friend list. Every route requires a
// bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/yanyu/chat-core/internal/channel"
	"github.com/yanyu/chat-core/internal/friends"
	"github.com/yanyu/chat-core/internal/gateway"
	"github.com/yanyu/chat-core/internal/live"
	"github.com/yanyu/chat-core/internal/message"
)

// Verifier maps a bearer token to a participant.
type Verifier interface {
	Verify(token string) (string, error)
}

// friendAdder is implemented by directories that can record friendships.
type friendAdder interface {
	Add(ctx context.Context, a, b string) error
}

type ctxKey struct{}

// Handler holds the collaborators of the REST routes.
type Handler struct {
	Store    message.Store
	Friends  friends.Directory // nil serves an empty friend list
	Verifier Verifier
}

// NewRouter mounts the routes under /api/v1. corsOrigin is echoed in
// Access-Control-Allow-Origin; empty allows any origin.
func NewRouter(h *Handler, corsOrigin string) *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(cors(corsOrigin), h.authenticate)

	v1.HandleFunc("/channels/resolve", h.resolveChannel).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/channels/{channelID}/messages", h.listMessages).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/friends", h.listFriends).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/friends", h.addFriend).Methods(http.MethodPost)
	return r
}

func cors(origin string) mux.MiddlewareFunc {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		participant, err := h.Verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, participant)))
	})
}

// Participant returns the authenticated participant of a request.
func Participant(ctx context.Context) string {
	p, _ := ctx.Value(ctxKey{}).(string)
	return p
}

// GET /api/v1/channels/resolve?peer=<id>
func (h *Handler) resolveChannel(w http.ResponseWriter, r *http.Request) {
	self := Participant(r.Context())
	peer := r.URL.Query().Get("peer")
	id, err := channel.Resolve(self, peer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel_id": id, "peer_id": peer})
}

// GET /api/v1/channels/{channelID}/messages[?limit=n]
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	self := Participant(r.Context())
	channelID := mux.Vars(r)["channelID"]
	peer, err := channel.Peer(channelID, self)
	if err != nil {
		writeError(w, http.StatusForbidden, "not a participant of this channel")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := h.Store.ListDescending(r.Context(), channelID)
	if err != nil {
		log.Printf("[api] list channel=%s: %v", channelID, err)
		status := http.StatusInternalServerError
		if errors.Is(err, message.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "messages unavailable")
		return
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	view := live.View{ChannelID: channelID, SelfID: self, PeerID: peer, Messages: msgs}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel_id": channelID,
		"messages":   gateway.WireMessages(view),
	})
}

// GET /api/v1/friends
func (h *Handler) listFriends(w http.ResponseWriter, r *http.Request) {
	list := []string{}
	if h.Friends != nil {
		got, err := h.Friends.List(r.Context(), Participant(r.Context()))
		if err != nil {
			log.Printf("[api] list friends: %v", err)
			writeError(w, http.StatusServiceUnavailable, "friends unavailable")
			return
		}
		if got != nil {
			list = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"friends": list})
}

// POST /api/v1/friends {"peer_id": "..."}
func (h *Handler) addFriend(w http.ResponseWriter, r *http.Request) {
	adder, ok := h.Friends.(friendAdder)
	if !ok {
		writeError(w, http.StatusNotImplemented, "friend directory is read-only")
		return
	}
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	self := Participant(r.Context())
	if _, err := channel.Resolve(self, req.PeerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := adder.Add(r.Context(), self, req.PeerID); err != nil {
		if errors.Is(err, friends.ErrSelfFriend) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] add friend: %v", err)
		writeError(w, http.StatusServiceUnavailable, "friends unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
