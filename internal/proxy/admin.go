package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/catalog"
	"github.com/tiergate/tiergate/internal/state"
	"github.com/tiergate/tiergate/pkg/apierr"
)

const maxAdminBody = 1 << 20 // 1 MiB

// requireAdmin authenticates the caller and checks the admin role. Returns
// nil after writing the error response when the check fails.
func (s *Server) requireAdmin(ctx *fasthttp.RequestCtx) *auth.Identity {
	id, err := s.auth.Validate(ctx, openAIKey(ctx))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid or missing API key",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return nil
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return nil
	}
	if !id.IsAdmin() {
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"admin role required",
			apierr.TypePermissionErr, apierr.CodeForbidden)
		return nil
	}
	return id
}

func decodeAdminBody(ctx *fasthttp.RequestCtx, v any) bool {
	body := ctx.PostBody()
	if len(body) > maxAdminBody {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "request body too large",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return false
	}
	return true
}

// handleAdminAddProvider registers or updates an upstream provider. The
// provider's /models listing is fetched to seed per-model stats; models the
// provider already had keep their history.
func (s *Server) handleAdminAddProvider(ctx *fasthttp.RequestCtx) {
	if s.requireAdmin(ctx) == nil {
		return
	}

	var req struct {
		ID              string `json:"id"`
		Kind            string `json:"kind"`
		APIKey          string `json:"apiKey"`
		EndpointURL     string `json:"endpointUrl"`
		ProviderBaseURL string `json:"providerBaseUrl"`
	}
	if !decodeAdminBody(ctx, &req) {
		return
	}
	if req.ID == "" || req.EndpointURL == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"fields 'id' and 'endpointUrl' are required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	baseURL := req.ProviderBaseURL
	if baseURL == "" {
		baseURL = strings.TrimSuffix(strings.TrimRight(req.EndpointURL, "/"), "/chat/completions")
	}

	seeds, err := catalog.FetchModels(ctx, baseURL, req.APIKey)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("could not list models at %s: %s", baseURL, err.Error()),
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	if len(seeds) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider at %s advertises no models", baseURL),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	cat := s.store.LoadCatalog(ctx)
	provs := s.store.LoadProviders(ctx)

	var rec *state.ProviderRecord
	for _, p := range provs {
		if p.ID == req.ID {
			rec = p
			break
		}
	}
	if rec == nil {
		rec = &state.ProviderRecord{ID: req.ID, Models: map[string]*state.ModelStats{}}
		provs = append(provs, rec)
	}
	rec.Kind = req.Kind
	rec.APIKey = req.APIKey
	rec.EndpointURL = req.EndpointURL
	if rec.Models == nil {
		rec.Models = map[string]*state.ModelStats{}
	}

	added := 0
	for _, seed := range seeds {
		if _, ok := rec.Models[seed.ID]; ok {
			continue
		}
		speed := seed.Throughput
		if speed <= 0 {
			if e := cat.Entry(seed.ID); e != nil && e.Throughput > 0 {
				speed = e.Throughput
			} else {
				speed = state.DefaultTokenSpeed
			}
		}
		rec.Models[seed.ID] = &state.ModelStats{
			ID:                   seed.ID,
			TokenGenerationSpeed: speed,
			ResponseTimes:        []state.ResponseEntry{},
		}
		added++
	}

	if err := s.store.SaveProviders(ctx, provs); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"provider not persisted",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	s.log.Info("provider registered",
		slog.String("provider", req.ID),
		slog.Int("models", len(rec.Models)),
		slog.Int("models_added", added))

	writeJSON(ctx, map[string]any{
		"id":     req.ID,
		"models": len(rec.Models),
	})
}

// handleAdminGenerateKey mints an API key for a new user.
func (s *Server) handleAdminGenerateKey(ctx *fasthttp.RequestCtx) {
	if s.requireAdmin(ctx) == nil {
		return
	}

	var req struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
		Tier   string `json:"tier"`
	}
	if !decodeAdminBody(ctx, &req) {
		return
	}
	if req.UserID == "" || req.Tier == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"fields 'userId' and 'tier' are required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	key, err := s.auth.GenerateKey(ctx, req.UserID, req.Tier, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateUser):
			apierr.Write(ctx, fasthttp.StatusConflict, err.Error(),
				apierr.TypeInvalidRequest, apierr.CodeDuplicateUser)
		case errors.Is(err, auth.ErrUnknownTier):
			apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		default:
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"key not persisted", apierr.TypeServerError, apierr.CodeInternalError)
		}
		return
	}

	role := req.Role
	if role == "" {
		role = state.RoleUser
	}
	writeJSON(ctx, map[string]string{
		"apiKey": key,
		"userId": req.UserID,
		"role":   role,
		"tier":   req.Tier,
	})
}

// handleAdminRefreshCounts runs the catalog sync synchronously.
func (s *Server) handleAdminRefreshCounts(ctx *fasthttp.RequestCtx) {
	if s.requireAdmin(ctx) == nil {
		return
	}
	if s.refreshCatalog == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"catalog refresh not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	changed, err := s.refreshCatalog(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]bool{"changed": changed})
}

// handleListModels serves the catalog document exactly as stored.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetBody(s.store.RawCatalog(ctx))
}
