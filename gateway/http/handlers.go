package http

import (
	"fmt"
	"net/http"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/health"
	"github.com/c360/relaygate/metric"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "relaygate",
	})
}

// handleStatus aggregates per-component health with the relay pool
// snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	monitor := health.NewMonitor()
	overall := "unknown"
	components := map[string]health.Status{}
	if s.deps.Health != nil {
		for name, hs := range s.deps.Health.Health() {
			monitor.UpdateFromComponent(name, hs)
		}
		components = monitor.GetAll()
		overall = monitor.AggregateHealth("relaygate").Status
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":    "relaygate",
		"status":     overall,
		"components": components,
		"relays":     s.deps.Pool.Snapshot(),
	})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	summary := map[string]any{
		"router": s.deps.Router.Stats(),
		"dedup":  s.deps.Store.Stats(),
		"relays": s.deps.Pool.Snapshot(),
	}
	if s.deps.Bus != nil {
		summary["sinks"] = s.deps.Bus.Stats()
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMetricsMemory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, metric.SampleMemory())
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"pubkey": s.deps.PublicKey})
}

func (s *Server) handleRelayList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"relays": s.deps.Pool.Snapshot()})
}

type relayRequest struct {
	URL string `json:"url"`
}

// handleRelayAdd connects a new upstream relay. Adding a relay already
// in the pool succeeds; the operation is idempotent.
func (s *Server) handleRelayAdd(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := config.ValidateRelayURL(req.URL); err != nil {
		s.writeError(w, errors.WrapInvalid(err, "Server", "handleRelayAdd", "validate relay url"))
		return
	}
	if err := s.deps.Pool.Add(req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("relay added via admin api", "url", req.URL)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "added", "url": req.URL})
}

// handleRelayRemove disconnects a relay. Removing an unknown relay is a
// no-op success.
func (s *Server) handleRelayRemove(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.URL == "" {
		s.writeError(w, errors.WrapInvalid(
			fmt.Errorf("url is required"), "Server", "handleRelayRemove", "validate input"))
		return
	}
	if err := s.deps.Pool.Remove(req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("relay removed via admin api", "url", req.URL)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "url": req.URL})
}

type botRegisterRequest struct {
	BotPubkey   string `json:"bot_pubkey"`
	NostrPubkey string `json:"nostr_pubkey"`
	EthAddress  string `json:"eth_address"`
	Name        string `json:"name"`
}

func (s *Server) handleBotRegister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		s.writeError(w, errors.WrapTransient(
			fmt.Errorf("subscription registry not configured"),
			"Server", "handleBotRegister", "reject registry route"))
		return
	}
	var req botRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Registry.RegisterBot(r.Context(), req.BotPubkey, req.NostrPubkey, req.EthAddress, req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "bot_pubkey": req.BotPubkey})
}

type subscriptionAddRequest struct {
	BotPubkey      string `json:"bot_pubkey"`
	FollowerPubkey string `json:"follower_pubkey"`
	SharedSecret   string `json:"shared_secret"`
}

func (s *Server) handleSubscriptionAdd(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		s.writeError(w, errors.WrapTransient(
			fmt.Errorf("subscription registry not configured"),
			"Server", "handleSubscriptionAdd", "reject registry route"))
		return
	}
	var req subscriptionAddRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Registry.AddSubscription(r.Context(), req.BotPubkey, req.FollowerPubkey, req.SharedSecret); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (s *Server) handleSubscriptionList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		s.writeError(w, errors.WrapTransient(
			fmt.Errorf("subscription registry not configured"),
			"Server", "handleSubscriptionList", "reject registry route"))
		return
	}
	botPubkey := r.PathValue("bot_pubkey")
	subs, err := s.deps.Registry.ListSubscriptions(r.Context(), botPubkey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"bot_pubkey":    botPubkey,
		"subscriptions": subs,
	})
}
