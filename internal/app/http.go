package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/internal/recommend"
)

type readFunc func(ctx context.Context, id string, opts recommend.Options) (recommend.Result, error)

// registerReadRoutes exposes the recommendation reads:
//
//	GET /v1/fragrances/{id}/similar?limit=&threshold=&exclude=a,b
//	GET /v1/users/{id}/recommendations?limit=&threshold=&exclude=a,b
func (a *App) registerReadRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/fragrances/{id}/similar", func(w http.ResponseWriter, r *http.Request) {
		serveRead(w, r, a.recommender.SimilarTo)
	})
	mux.HandleFunc("GET /v1/users/{id}/recommendations", func(w http.ResponseWriter, r *http.Request) {
		serveRead(w, r, a.recommender.ForUser)
	})
}

func serveRead(w http.ResponseWriter, r *http.Request, read readFunc) {
	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := read(r.Context(), r.PathValue("id"), opts)
	switch {
	case errors.Is(err, recommend.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "recommendation read failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if res.Cached {
		w.Header().Set(observe.CacheHeader, "hit")
	} else {
		w.Header().Set(observe.CacheHeader, "miss")
	}
	writeJSON(w, http.StatusOK, res)
}

func parseOptions(r *http.Request) (recommend.Options, error) {
	q := r.URL.Query()
	var opts recommend.Options
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("limit: %w", err)
		}
		opts.Limit = n
	}
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("threshold: %w", err)
		}
		opts.Threshold = f
	}
	if v := q.Get("exclude"); v != "" {
		for id := range strings.SplitSeq(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.ExcludeIDs = append(opts.ExcludeIDs, id)
			}
		}
	}
	opts.ModelID = q.Get("model")
	return opts, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
