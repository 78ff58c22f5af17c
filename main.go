package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const userIDHeader = "X-User-ID"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	initLogging(cfg.Env)

	if cfg.CourierWebhookURL == "" {
		log.Fatal().Msg("COURIER_WEBHOOK_URL is required")
	}

	store, err := newConfiguredStore()
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	client := newWebhookClient()
	courier := &WebhookCourier{URL: cfg.CourierWebhookURL, Client: client}
	var mailbox Mailbox = logMailbox{}
	if cfg.MailboxWebhookURL != "" {
		mailbox = &WebhookMailbox{URL: cfg.MailboxWebhookURL, Client: client}
	} else {
		log.Warn().Msg("no MAILBOX_WEBHOOK_URL set, escalations go to the log only")
	}

	engine := newEngine(store, courier, mailbox)

	rl := newRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute)
	go rl.gc()
	defer rl.Stop()

	handler := metricsMiddleware(rateLimitMiddleware(rl, newMux(store, engine)))
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func newMux(store *Store, engine *Engine) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/whoami", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		p, ok := callerPlayer(store, w, r)
		if !ok {
			return
		}
		civName := ""
		if civ, ok := store.CivByID(p.CivID); ok {
			civName = civ.Name
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":      p.UserID,
			"role":         p.Role,
			"civilization": civName,
		})
	})

	mux.HandleFunc("/api/cansend", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "", "from and to must be civ ids")
			return
		}
		dec := engine.CanSend(from, to, time.Now().UTC())
		resp := map[string]any{"allowed": dec.Allowed}
		if dec.Reason != "" {
			resp["reason"] = dec.Reason
		}
		if dec.Reason == ReasonCooldown {
			resp["wait_seconds"] = dec.WaitSeconds
		}
		if dec.Rule != nil {
			resp["rule"] = ruleView(*dec.Rule)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Civ     string `json:"civ"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "", "invalid JSON body")
			return
		}
		if body.Civ == "" || body.Message == "" {
			writeError(w, http.StatusBadRequest, "", "civ and message are required")
			return
		}

		p, ok := callerPlayer(store, w, r)
		if !ok {
			return
		}
		if p.CivID == civUnassigned {
			writeError(w, http.StatusForbidden, ReasonNotRegistered, "you are not assigned to a civilization yet")
			return
		}
		target, ok := store.CivByName(body.Civ)
		if !ok {
			writeError(w, http.StatusNotFound, ReasonUnknownCiv, "unknown target civilization")
			return
		}
		if target.ID == p.CivID {
			writeError(w, http.StatusBadRequest, ReasonSelfTarget, "you can't message your own civilization")
			return
		}

		fromCivName := fmt.Sprintf("civ_id=%d", p.CivID)
		if fromCiv, ok := store.CivByID(p.CivID); ok {
			fromCivName = fromCiv.Name
		}

		res, err := engine.Send(r.Context(), SendRequest{
			FromCiv:     p.CivID,
			FromCivName: fromCivName,
			SenderName:  p.UserID,
			Target:      target,
			Body:        body.Message,
		}, time.Now().UTC())
		if err != nil {
			log.Error().Err(err).Int64("from", p.CivID).Int64("to", target.ID).Msg("send failed")
			writeError(w, http.StatusInternalServerError, "", "internal error")
			return
		}

		resp := map[string]any{"delivered": res.Delivered}
		switch {
		case res.Delivered:
			resp["message"] = fmt.Sprintf("Sent anonymously to %s.", target.Name)
		case res.Reason == ReasonCooldown:
			resp["reason"] = res.Reason
			resp["wait_seconds"] = res.WaitSeconds
			resp["message"] = fmt.Sprintf("Rate limit: try again in %s.", formatDuration(res.WaitSeconds))
		case res.Reason == ReasonNoRule:
			resp["reason"] = res.Reason
			resp["message"] = "No diplomacy rule set for that pair yet."
		case res.Reason == ReasonNoOwner:
			resp["reason"] = res.Reason
			resp["message"] = "It appears this civilization doesn't have a letterbox."
		default:
			resp["reason"] = res.Reason
			resp["message"] = "It appears your messenger did not make it to its destination."
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/diplomacy", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		p, ok := callerPlayer(store, w, r)
		if !ok {
			return
		}
		if p.CivID == civUnassigned {
			writeError(w, http.StatusForbidden, ReasonNotRegistered, "you are not registered to a civilization yet")
			return
		}
		civName := ""
		if civ, ok := store.CivByID(p.CivID); ok {
			civName = civ.Name
		}
		entries := store.CadenceFor(p.CivID)
		views := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			views = append(views, map[string]any{
				"other_civ":        e.OtherCivName,
				"interval_seconds": e.IntervalSeconds,
				"max_messages":     e.MaxMessages,
				"window_type":      e.WindowType,
				"cadence":          fmt.Sprintf("%d msg / %s (%s)", e.MaxMessages, formatDuration(e.IntervalSeconds), e.WindowType),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"civilization": civName,
			"cadence":      views,
		})
	})

	mux.HandleFunc("/api/gm/claim", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		userID := r.Header.Get(userIDHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "", "missing "+userIDHeader+" header")
			return
		}
		claimed, err := store.ClaimGM(userID)
		if err != nil {
			log.Error().Err(err).Msg("gm claim failed")
			writeError(w, http.StatusInternalServerError, "", "internal error")
			return
		}
		if !claimed {
			writeJSON(w, http.StatusConflict, map[string]any{
				"claimed": false,
				"message": "A GM already exists. Only a GM can assign new GMs.",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"claimed": true,
			"message": "You are now the Game Master.",
		})
	})

	mux.HandleFunc("/api/gm/civs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if _, ok := requireGM(store, w, r); !ok {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "", "invalid JSON body")
			return
		}
		civ, err := store.CreateCiv(body.Name)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": civ.ID, "name": civ.Name})
	})

	mux.HandleFunc("/api/gm/players", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if _, ok := requireGM(store, w, r); !ok {
			return
		}
		var body struct {
			UserID string `json:"user_id"`
			Civ    string `json:"civ"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "", "invalid JSON body")
			return
		}
		if body.UserID == "" {
			writeError(w, http.StatusBadRequest, "", "user_id is required")
			return
		}

		// Unknown civ names are created on the fly, so a roster can be built
		// in one pass.
		civ, ok := store.CivByName(body.Civ)
		if !ok {
			created, err := store.CreateCiv(body.Civ)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			civ = created
		}
		p, err := store.AssignPlayer(body.UserID, civ.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":      p.UserID,
			"civilization": civ.Name,
			"role":         p.Role,
		})
	})

	mux.HandleFunc("/api/gm/rules", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if _, ok := requireGM(store, w, r); !ok {
			return
		}
		var body struct {
			Civ1            string `json:"civ1"`
			Civ2            string `json:"civ2"`
			IntervalSeconds int64  `json:"interval_seconds"`
			MaxMessages     int64  `json:"max_messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "", "invalid JSON body")
			return
		}
		civ1, ok1 := store.CivByName(body.Civ1)
		civ2, ok2 := store.CivByName(body.Civ2)
		if !ok1 || !ok2 {
			writeError(w, http.StatusNotFound, ReasonUnknownCiv, "unknown civilization name(s)")
			return
		}
		rule, err := store.SetRule(civ1.ID, civ2.ID, body.IntervalSeconds, body.MaxMessages)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rule": ruleView(rule),
			"message": fmt.Sprintf("Rule set for %s <-> %s: %d msg / %ds (%s).",
				civ1.Name, civ2.Name, rule.MaxMessages, rule.IntervalSeconds, rule.WindowType),
		})
	})

	return mux
}

func callerPlayer(store *Store, w http.ResponseWriter, r *http.Request) (Player, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "", "missing "+userIDHeader+" header")
		return Player{}, false
	}
	p, ok := store.PlayerByUser(userID)
	if !ok {
		writeError(w, http.StatusUnauthorized, ReasonNotRegistered, "you are not registered yet")
		return Player{}, false
	}
	return p, true
}

func requireGM(store *Store, w http.ResponseWriter, r *http.Request) (Player, bool) {
	p, ok := callerPlayer(store, w, r)
	if !ok {
		return Player{}, false
	}
	if p.Role != roleGM {
		writeError(w, http.StatusForbidden, "", "GM only")
		return Player{}, false
	}
	return p, true
}

func ruleView(rule PairRule) map[string]any {
	return map[string]any{
		"civ_small":        rule.CivSmall,
		"civ_large":        rule.CivLarge,
		"interval_seconds": rule.IntervalSeconds,
		"max_messages":     rule.MaxMessages,
		"window_type":      rule.WindowType,
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrCivExists):
		writeError(w, http.StatusConflict, "", err.Error())
	case errors.Is(err, ErrUnknownCiv):
		writeError(w, http.StatusNotFound, ReasonUnknownCiv, err.Error())
	case errors.Is(err, ErrCivNameEmpty), errors.Is(err, ErrBadInterval),
		errors.Is(err, ErrBadMaxMessages), errors.Is(err, ErrSamePair):
		writeError(w, http.StatusBadRequest, "", err.Error())
	default:
		log.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusInternalServerError, "", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
}
