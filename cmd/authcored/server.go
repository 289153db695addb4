package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/brandshop/authcore"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/metrics/export/prometheus"
	"github.com/brandshop/authcore/middleware"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 64 << 10

// server exposes engine requests as JSON endpoints. Routes that act on a
// principal take the username from the validated access token, never from
// the body.
type server struct {
	engine *authcore.Engine
	cfg    authcore.Config
	log    logrus.FieldLogger
	demo   bool
}

func newServer(engine *authcore.Engine, cfg authcore.Config, log logrus.FieldLogger, demo bool) *server {
	return &server{engine: engine, cfg: cfg, log: log, demo: demo}
}

// Handler assembles the router and middleware chain.
func (s *server) Handler() (http.Handler, error) {
	resolver, err := middleware.NewClientResolver(s.cfg.HTTP.TrustForwarded, s.cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		router.Handle("/metrics", prometheus.NewCollector(s.engine).Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(middleware.RateLimit(rate.Limit(s.cfg.HTTP.RateLimit), s.cfg.HTTP.RateBurst, 0, 0))
	s.RegisterRoutes(api)

	return middleware.ClientContext(resolver)(router), nil
}

// RegisterRoutes registers the auth endpoints on router.
func (s *server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/register", s.register).Methods(http.MethodPost)
	router.HandleFunc("/verify", dispatch[authcore.VerifyPrincipalCommand](s, http.StatusOK, nil)).Methods(http.MethodPost)
	router.HandleFunc("/login", dispatch[authcore.LoginCommand](s, http.StatusOK, nil)).Methods(http.MethodPost)
	router.HandleFunc("/refresh", dispatch[authcore.RefreshCommand](s, http.StatusOK, nil)).Methods(http.MethodPost)
	router.HandleFunc("/password/reset", dispatch[authcore.InitiatePasswordResetCommand](s, http.StatusAccepted, nil)).Methods(http.MethodPost)
	router.HandleFunc("/password/reset/complete", dispatch[authcore.CompletePasswordResetCommand](s, http.StatusOK, nil)).Methods(http.MethodPost)
	router.HandleFunc("/token/validate", dispatch[authcore.ValidateTokenQuery](s, http.StatusOK, nil)).Methods(http.MethodPost)

	guarded := router.NewRoute().Subrouter()
	guarded.Use(middleware.Guard(s.engine))
	guarded.HandleFunc("/logout", dispatch(s, http.StatusOK, func(r *http.Request, cmd *authcore.LogoutCommand) {
		cmd.Username = caller(r)
		cmd.AccessToken, _ = middleware.BearerToken(r)
	})).Methods(http.MethodPost)
	guarded.HandleFunc("/password/change", dispatch(s, http.StatusOK, func(r *http.Request, cmd *authcore.ChangePasswordCommand) {
		cmd.Username = caller(r)
	})).Methods(http.MethodPost)
	guarded.HandleFunc("/me", dispatch(s, http.StatusOK, func(r *http.Request, q *authcore.GetPrincipalQuery) {
		q.Username = caller(r)
	})).Methods(http.MethodGet)
	guarded.HandleFunc("/me/audit", dispatch(s, http.StatusOK, func(r *http.Request, cmd *authcore.PurgeAuditTrailCommand) {
		cmd.Username = caller(r)
	})).Methods(http.MethodDelete)
}

func caller(r *http.Request) string {
	if v, ok := middleware.ValidationFromContext(r.Context()); ok {
		return v.Username
	}
	return ""
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// register hides the verification code outside demo mode; it is delivered
// out of band.
func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var cmd authcore.RegisterCommand
	if err := decodeBody(w, r, &cmd); err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.engine.Register(r.Context(), cmd)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if !s.demo {
		res.VerificationCode = ""
	}
	middleware.WriteJSON(w, http.StatusCreated, res)
}

// dispatch decodes the optional body into a T, lets prepare overwrite fields from the
// authenticated request, and sends it through the engine.
func dispatch[T mediator.Request](s *server, status int, prepare func(*http.Request, *T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if r.Method != http.MethodGet {
			if err := decodeBody(w, r, &req); err != nil {
				s.badRequest(w, err)
				return
			}
		}
		if prepare != nil {
			prepare(r, &req)
		}

		res, err := s.engine.Dispatch(r.Context(), req)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		writeResult(w, status, res)
	}
}

func writeResult(w http.ResponseWriter, status int, res any) {
	switch v := res.(type) {
	case nil:
		if status == http.StatusOK {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	case bool:
		middleware.WriteJSON(w, status, map[string]bool{"ok": v})
	case int64:
		middleware.WriteJSON(w, status, map[string]int64{"deleted": v})
	default:
		middleware.WriteJSON(w, status, v)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *server) badRequest(w http.ResponseWriter, err error) {
	middleware.WriteJSON(w, http.StatusBadRequest, &authcore.Error{
		Code:    "bad_request",
		Message: fmt.Sprintf("invalid request body: %v", err),
	})
}
