package server

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/ingestion"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 64 << 10

// HTTPHandler builds the HTTP/JSON surface: lending routes on a gateway mux
// plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	s.gatewayMux = mux

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/accounts/{account_id}/instructions", s.handleSubmit},
		{http.MethodGet, "/v1/accounts/{account_id}/position", s.handlePosition},
		{http.MethodGet, "/v1/accounts/{account_id}/operations", s.handleOperations},
		{http.MethodGet, "/v1/accounts/{account_id}/activity", s.handleActivity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.withCaller(r.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// withCaller authenticates the Authorization header when present and stores
// the caller in the request context.
func (s *GRPCServer) withCaller(next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		header := r.Header.Get(ingestion.HeaderAuthorization)
		if header != "" && s.verifier != nil {
			caller, err := s.verifier.VerifyHeader(header)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			r = r.WithContext(auth.WithCaller(r.Context(), caller))
		}
		next(w, r, params)
	}
}

func (s *GRPCServer) handleSubmit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, r, status.Errorf(codes.InvalidArgument, "invalid body: %v", err))
		return
	}
	req.AccountID = params["account_id"]
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(ingestion.HeaderRequestID)
	}

	evt, err := s.service.Submit(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *GRPCServer) handlePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	view, err := s.service.GetPosition(r.Context(), &GetPositionRequest{AccountID: params["account_id"]})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *GRPCServer) handleOperations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := s.authorizedAccount(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err))
		return
	}
	before, err := intParam(q.Get("before"))
	if err != nil {
		s.writeError(w, r, status.Errorf(codes.InvalidArgument, "invalid before: %v", err))
		return
	}

	ops, err := s.service.queries.ListOperations(r.Context(), account, int(limit), before)
	if err != nil {
		s.writeError(w, r, toStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *GRPCServer) handleActivity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := s.authorizedAccount(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view, err := s.service.queries.GetActivity(r.Context(), account)
	if err != nil {
		s.writeError(w, r, toStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *GRPCServer) authorizedAccount(ctx context.Context, params map[string]string) (uuid.UUID, error) {
	account, err := parseAccount(params["account_id"])
	if err != nil {
		return account, err
	}
	if auth.CallerFromContext(ctx).IsAnonymous() {
		return account, toStatus(auth.ErrUnauthenticated)
	}
	return account, nil
}

// writeError writes err as a google.rpc.Status body with the HTTP status
// derived from its gRPC code.
func (s *GRPCServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	err = toStatus(err)
	if code := status.Code(err); code == codes.Internal || code == codes.Unavailable {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	runtime.HTTPError(r.Context(), s.gatewayMux, &runtime.JSONPb{}, w, r, err)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func intParam(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return v, nil
}
