package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/ws"
	"github.com/ericreilly999/inventory-release/pkg/jwt"
)

type releaseRequest struct {
	Version string `json:"version"`
}

type environmentView struct {
	Name         string   `json:"name"`
	Class        string   `json:"class"`
	Region       string   `json:"region"`
	Platform     string   `json:"platform"`
	Boundary     string   `json:"boundary"`
	Autoscaling  bool     `json:"autoscaling"`
	PublicDomain string   `json:"public_domain"`
	Services     []string `json:"services"`
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	claims, _ := claimsFromContext(req.Context())
	services := r.catalogue.Services()
	names := make([]string, 0, len(services))
	for _, svc := range services {
		names = append(names, svc.Name)
	}
	views := make([]environmentView, 0)
	for _, env := range r.catalogue.Environments() {
		if !claims.Allows(string(env.Name)) {
			continue
		}
		views = append(views, environmentView{
			Name:         string(env.Name),
			Class:        string(env.Class),
			Region:       env.Region,
			Platform:     string(env.Platform),
			Boundary:     string(env.Network.Boundary),
			Autoscaling:  env.Autoscaling,
			PublicDomain: env.PublicDomain,
			Services:     names,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": views})
}

func (r *Router) handleStartRelease(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeRelease(w, req)
	if !ok {
		return
	}
	claims, _ := claimsFromContext(req.Context())
	rel, err := r.releases.Start(req.Context(), mux.Vars(req)["env"], body.Version, claims.Operator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rel)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeRelease(w, req)
	if !ok {
		return
	}
	claims, _ := claimsFromContext(req.Context())
	rel, err := r.releases.Rollback(req.Context(), mux.Vars(req)["env"], body.Version, claims.Operator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rel)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := r.opts.HistoryLimit
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}
	releases, err := r.releases.History(req.Context(), mux.Vars(req)["env"], limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

func (r *Router) handleReleaseByVersion(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	report, err := r.releases.ReportByVersion(req.Context(), vars["env"], vars["version"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleRelease(w http.ResponseWriter, req *http.Request) {
	report, err := r.releases.Report(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	claims, _ := claimsFromContext(req.Context())
	if !r.authorizeEnv(w, claims, report.Release.Environment) {
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if !r.authorizeRelease(w, req, id) {
		return
	}
	if err := r.releases.Cancel(req.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "release_id": id})
}

func (r *Router) handleSeed(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if !r.authorizeRelease(w, req, id) {
		return
	}
	claims, _ := claimsFromContext(req.Context())
	run, err := r.releases.Seed(req.Context(), id, claims.Operator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// authorizeRelease loads the release to check the operator covers its environment.
func (r *Router) authorizeRelease(w http.ResponseWriter, req *http.Request, id string) bool {
	report, err := r.releases.Report(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	claims, _ := claimsFromContext(req.Context())
	return r.authorizeEnv(w, claims, report.Release.Environment)
}

func (r *Router) handleReleasesWS(w http.ResponseWriter, req *http.Request) {
	claims, _ := claimsFromContext(req.Context())
	envName := strings.ToLower(strings.TrimSpace(req.URL.Query().Get("environment")))
	if envName != "" {
		if _, err := environment.ParseName(envName); err != nil {
			writeDomainError(w, err)
			return
		}
		if !r.authorizeEnv(w, claims, envName) {
			return
		}
	} else if !claims.Allows(jwt.AllEnvironments) {
		writeError(w, http.StatusForbidden, "environment query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	topic := ws.AllEnvironments
	if envName != "" {
		topic = envName
	}
	r.streams.Register(topic, client)
	go func() {
		defer func() {
			r.streams.Unregister(topic, client)
			client.Close()
		}()
		client.Drain()
	}()
}

func decodeRelease(w http.ResponseWriter, req *http.Request) (releaseRequest, bool) {
	var body releaseRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return body, false
	}
	body.Version = strings.TrimSpace(body.Version)
	if body.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return body, false
	}
	return body, true
}
